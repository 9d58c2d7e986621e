package testutils

import (
	"context"
	"net/http"

	"github.com/ebmlabs/samplesync/pkg/auth"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type handler struct {
	db          *bun.DB
	authService *auth.Service
}

// createTokenRequest is the request body for minting a test token.
type createTokenRequest struct {
	Subject string `json:"subject" validate:"required"`
	Admin   bool   `json:"admin"`
}

// createTokenResponse is the response body for minting a test token.
type createTokenResponse struct {
	Token string `json:"token"`
}

// createToken mints a caller token the way the surrounding application
// would.
// POST /test/tokens.
func (h *handler) createToken(c echo.Context) error {
	var req createTokenRequest
	if err := c.Bind(&req); err != nil {
		return errors.WithStack(err)
	}

	token, err := h.authService.IssueToken(req.Subject, req.Admin)
	if err != nil {
		return errors.Wrap(err, "failed to issue token")
	}

	return c.JSON(http.StatusCreated, createTokenResponse{Token: token})
}

// deleteAllDataResponse is the response body for resetting the database.
type deleteAllDataResponse struct {
	Deleted map[string]int `json:"deleted"`
}

// deleteAllData removes every sample and all sync bookkeeping.
// DELETE /test/data.
func (h *handler) deleteAllData(c echo.Context) error {
	ctx := c.Request().Context()

	tables := []struct {
		name  string
		model interface{}
	}{
		{"sync_conflicts", (*models.SyncConflict)(nil)},
		{"sync_queue_items", (*models.SyncQueueItem)(nil)},
		{"job_logs", (*models.JobLog)(nil)},
		{"jobs", (*models.Job)(nil)},
		{"samples", (*models.Sample)(nil)},
	}

	resp := deleteAllDataResponse{Deleted: map[string]int{}}
	err := h.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, t := range tables {
			result, err := tx.NewDelete().
				Model(t.model).
				Where("1=1").
				Exec(ctx)
			if err != nil {
				return errors.Wrapf(err, "failed to delete %s", t.name)
			}
			deleted, _ := result.RowsAffected()
			resp.Deleted[t.name] = int(deleted)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}
