package syncer

import (
	"github.com/ebmlabs/samplesync/pkg/jobs"
	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

// RegisterRoutesWithGroup registers the sync admin routes on a
// pre-configured group.
func RegisterRoutesWithGroup(g *echo.Group, db *bun.DB, s *Syncer) {
	h := &handler{
		syncer:     s,
		jobService: jobs.NewService(db),
	}

	g.GET("/status", h.status)
	g.POST("/import", h.startImport)
	g.POST("/push", h.startPush)
	g.POST("/pull/:external_id", h.pull)

	g.GET("/queue", h.listQueue)
	g.DELETE("/queue", h.clearQueue)
	g.POST("/queue/process", h.processQueue)
	g.POST("/queue/reprocess-failed", h.reprocessFailed)
	g.POST("/queue/requeue-stuck", h.requeueStuck)
	g.POST("/queue/:id/reprocess", h.reprocessItem)
}

// RegisterWebhookRoutes registers the LIMS notification intake. The group
// is expected to check the webhook secret.
func RegisterWebhookRoutes(g *echo.Group, s *Syncer) {
	h := &handler{syncer: s}

	g.POST("/lims", h.webhook)
}
