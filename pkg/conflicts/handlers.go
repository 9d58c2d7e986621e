package conflicts

import (
	"net/http"

	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

type handler struct {
	conflictService *Service
}

func (h *handler) list(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := ListConflictsQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	conflicts, total, err := h.conflictService.ListConflictsWithTotal(ctx, ListConflictsOptions{
		Limit:    &params.Limit,
		Offset:   &params.Offset,
		SampleID: params.SampleID,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	resp := struct {
		Conflicts []*models.SyncConflict `json:"conflicts"`
		Total     int                    `json:"total"`
	}{conflicts, total}

	return errors.WithStack(c.JSON(http.StatusOK, resp))
}
