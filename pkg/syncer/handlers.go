package syncer

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ebmlabs/samplesync/pkg/errcodes"
	"github.com/ebmlabs/samplesync/pkg/jobs"
	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/ebmlabs/samplesync/pkg/syncqueue"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

type handler struct {
	syncer     *Syncer
	jobService *jobs.Service
}

func (h *handler) status(c echo.Context) error {
	ctx := c.Request().Context()

	st, err := h.syncer.GetSyncStatus(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, st))
}

func (h *handler) startImport(c echo.Context) error {
	return h.startJob(c, models.JobTypeImport, &models.JobImportData{})
}

func (h *handler) startPush(c echo.Context) error {
	return h.startJob(c, models.JobTypePush, &models.JobPushData{})
}

// startJob queues a background job of jobType unless one is already pending
// or running.
func (h *handler) startJob(c echo.Context, jobType string, data interface{}) error {
	ctx := c.Request().Context()

	hasActive, err := h.jobService.HasActiveJobByType(ctx, jobType)
	if err != nil {
		return errors.WithStack(err)
	}
	if hasActive {
		return errcodes.Conflict("A " + jobType + " job is already running or pending.")
	}

	job := &models.Job{
		Type:       jobType,
		Status:     models.JobStatusPending,
		DataParsed: data,
	}
	if err := h.jobService.CreateJob(ctx, job); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusAccepted, job))
}

func (h *handler) processQueue(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	c.Set("disallow_empty_body", false)
	params := ProcessQueuePayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	result, err := h.syncer.ProcessQueue(ctx, params.BatchSize)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, result))
}

func (h *handler) listQueue(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := ListQueueQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	items, total, err := h.syncer.ListQueue(ctx, syncqueue.ListItemsOptions{
		Limit:     &params.Limit,
		Offset:    &params.Offset,
		Statuses:  params.Status,
		Direction: params.Direction,
		SampleID:  params.SampleID,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	resp := struct {
		Items []*models.SyncQueueItem `json:"items"`
		Total int                     `json:"total"`
	}{items, total}

	return errors.WithStack(c.JSON(http.StatusOK, resp))
}

func (h *handler) reprocessItem(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return errcodes.NotFound("Sync queue item")
	}

	item, err := h.syncer.ReprocessQueueItem(ctx, id)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, item))
}

func (h *handler) reprocessFailed(c echo.Context) error {
	ctx := c.Request().Context()

	n, err := h.syncer.ReprocessFailed(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, map[string]int{"requeued": n}))
}

func (h *handler) requeueStuck(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	c.Set("disallow_empty_body", false)
	params := RequeueStuckPayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	n, err := h.syncer.RequeueStuck(ctx, time.Duration(params.OlderThanMinutes)*time.Minute)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, map[string]int{"requeued": n}))
}

func (h *handler) clearQueue(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := ClearQueueQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	n, err := h.syncer.ClearQueue(ctx, syncqueue.ClearOptions{All: params.All})
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, map[string]int{"deleted": n}))
}

func (h *handler) pull(c echo.Context) error {
	ctx := c.Request().Context()

	sample, err := h.syncer.SyncFromExternal(ctx, c.Param("external_id"))
	if err != nil {
		return errors.WithStack(limsHTTPError(err))
	}

	return errors.WithStack(c.JSON(http.StatusOK, sample))
}

// limsHTTPError turns LIMS failures into responses the caller can act on.
func limsHTTPError(err error) error {
	var ve *lims.ValidationError
	switch {
	case errors.Is(err, lims.ErrNotFound):
		return errcodes.NotFound("LIMS record")
	case errors.Is(err, ErrForeignEntity):
		return errcodes.ValidationError("The LIMS record isn't managed by this service.")
	case errors.As(err, &ve):
		return errcodes.BadGateway("The LIMS rejected the request: " + ve.Message)
	case lims.IsRetryable(err):
		return errcodes.BadGateway("The LIMS is unavailable: " + err.Error())
	}
	return err
}

func (h *handler) webhook(c echo.Context) error {
	ctx := c.Request().Context()

	// The LIMS may add fields to its events at any time.
	c.Set("disallow_unknown_fields", false)

	// Bind params.
	params := Notification{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}
	h.syncer.metrics.WebhookReceived(params.EventType)

	item, err := h.syncer.EnqueueInboundNotification(ctx, params)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusAccepted, map[string]int{"queue_item_id": item.ID}))
}
