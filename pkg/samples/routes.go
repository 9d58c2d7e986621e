package samples

import (
	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

// RegisterRoutesWithGroup registers sample routes on a pre-configured group.
func RegisterRoutesWithGroup(g *echo.Group, db *bun.DB, controller Controller) {
	h := &handler{
		sampleService: NewService(db),
		controller:    controller,
	}

	g.GET("", h.list)
	g.GET("/:id", h.retrieve)
	g.POST("", h.create)
	g.PATCH("/:id", h.update)
	g.DELETE("/:id", h.delete)
	g.POST("/:id/sync", h.sync)
}
