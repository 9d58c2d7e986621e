package samples

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ebmlabs/samplesync/pkg/errcodes"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// Controller performs the sample mutations that have to be propagated to the
// LIMS.
type Controller interface {
	CreateSample(ctx context.Context, sampleID string, fields models.SampleFields) (*models.Sample, error)
	UpdateSample(ctx context.Context, id int, fields models.SampleFields) (*models.Sample, error)
	DeleteSample(ctx context.Context, id int) error
	SyncToExternal(ctx context.Context, id int) (*models.Sample, error)
}

type handler struct {
	sampleService *Service
	controller    Controller
}

func (h *handler) create(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := CreateSamplePayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	sample, err := h.controller.CreateSample(ctx, params.SampleID, params.Fields())
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusCreated, sample))
}

func (h *handler) retrieve(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return errcodes.NotFound("Sample")
	}

	sample, err := h.sampleService.RetrieveSample(ctx, RetrieveSampleOptions{
		ID: &id,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, sample))
}

func (h *handler) list(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := ListSamplesQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	samples, total, err := h.sampleService.ListSamplesWithTotal(ctx, ListSamplesOptions{
		Limit:     &params.Limit,
		Offset:    &params.Offset,
		Statuses:  params.Status,
		Origin:    params.Origin,
		DirtyOnly: params.Dirty,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	resp := struct {
		Samples []*models.Sample `json:"samples"`
		Total   int              `json:"total"`
	}{samples, total}

	return errors.WithStack(c.JSON(http.StatusOK, resp))
}

func (h *handler) update(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return errcodes.NotFound("Sample")
	}

	// Bind params.
	params := UpdateSamplePayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	sample, err := h.controller.UpdateSample(ctx, id, params.Fields())
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, sample))
}

func (h *handler) delete(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return errcodes.NotFound("Sample")
	}

	if err := h.controller.DeleteSample(ctx, id); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.NoContent(http.StatusNoContent))
}

func (h *handler) sync(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return errcodes.NotFound("Sample")
	}

	sample, err := h.controller.SyncToExternal(ctx, id)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, sample))
}
