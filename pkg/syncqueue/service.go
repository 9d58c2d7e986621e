package syncqueue

import (
	"context"
	"database/sql"
	"time"

	"github.com/ebmlabs/samplesync/pkg/errcodes"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// DefaultMaxAttempts is used for items enqueued without a limit.
const DefaultMaxAttempts = 5

// maxBackoffShift caps the exponent of the retry delay.
const maxBackoffShift = 16

type RetrieveItemOptions struct {
	ID *int
}

type ListItemsOptions struct {
	Limit     *int
	Offset    *int
	Statuses  []string
	Direction *string
	SampleID  *int

	includeTotal bool
}

type ClearOptions struct {
	// All removes pending and processing items too, not just finished ones.
	All bool
}

// Counts is the number of items per status.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

type Service struct {
	db bun.IDB
}

func NewService(db bun.IDB) *Service {
	return &Service{db}
}

// Enqueue appends an item. Several items for the same sample are fine; they
// are claimed in the order they were enqueued.
func (svc *Service) Enqueue(ctx context.Context, item *models.SyncQueueItem) error {
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = item.CreatedAt
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = item.CreatedAt
	}
	if item.Status == "" {
		item.Status = models.SyncQueueStatusPending
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = DefaultMaxAttempts
	}
	if item.OrderKey == "" {
		item.OrderKey = models.SampleOrderKey(item.SampleID, item.ExternalID)
	}
	if item.OrderKey == "" {
		return errors.New("queue item needs a sample id or an external id")
	}
	if err := item.MarshalPayload(); err != nil {
		return err
	}

	_, err := svc.db.
		NewInsert().
		Model(item).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// Claim moves up to batchSize due items from pending to processing, oldest
// first, and returns them. An item is held back while an earlier item with
// the same order key is still pending or processing, so a batch never holds
// two items for one sample. Each item is claimed with a conditional update,
// so concurrent claimers never get the same item.
func (svc *Service) Claim(ctx context.Context, batchSize int, processID string) ([]*models.SyncQueueItem, error) {
	if batchSize <= 0 {
		return []*models.SyncQueueItem{}, nil
	}

	now := time.Now()
	candidates := []*models.SyncQueueItem{}
	err := svc.db.
		NewSelect().
		Model(&candidates).
		Where("sq.status = ?", models.SyncQueueStatusPending).
		Where("sq.next_attempt_at <= ?", now).
		Where(`NOT EXISTS (
			SELECT 1 FROM sync_queue_items AS prev
			WHERE prev.order_key = sq.order_key
			AND prev.id < sq.id
			AND prev.status IN (?)
		)`, bun.In([]string{models.SyncQueueStatusPending, models.SyncQueueStatusProcessing})).
		Order("sq.id ASC").
		Limit(batchSize).
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	claimed := make([]*models.SyncQueueItem, 0, len(candidates))
	for _, item := range candidates {
		res, err := svc.db.
			NewUpdate().
			Model((*models.SyncQueueItem)(nil)).
			Set("status = ?", models.SyncQueueStatusProcessing).
			Set("process_id = ?", processID).
			Set("updated_at = ?", now).
			Where("id = ?", item.ID).
			Where("status = ?", models.SyncQueueStatusPending).
			Exec(ctx)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if n == 0 {
			// Someone else got it first.
			continue
		}

		item.Status = models.SyncQueueStatusProcessing
		item.ProcessID = &processID
		item.UpdatedAt = now
		if err := item.UnmarshalPayload(); err != nil {
			return nil, err
		}
		claimed = append(claimed, item)
	}

	return claimed, nil
}

func (svc *Service) MarkCompleted(ctx context.Context, item *models.SyncQueueItem) error {
	now := time.Now()
	item.Status = models.SyncQueueStatusCompleted
	item.CompletedAt = &now
	item.LastError = nil
	return svc.updateItem(ctx, item, "status", "completed_at", "last_error")
}

// Release hands claimed items back to pending without counting an attempt.
// It's used when processing stops before the items were tried.
func (svc *Service) Release(ctx context.Context, items ...*models.SyncQueueItem) error {
	now := time.Now()
	for _, item := range items {
		item.Status = models.SyncQueueStatusPending
		item.ProcessID = nil
		item.NextAttemptAt = now
		if err := svc.updateItem(ctx, item, "status", "process_id", "next_attempt_at"); err != nil {
			return err
		}
	}
	return nil
}

// MarkRetry records a failed attempt. The item goes back to pending with a
// delay of retryDelay * 2^(attempts-1), or to failed once it has used all of
// its attempts.
func (svc *Service) MarkRetry(ctx context.Context, item *models.SyncQueueItem, cause error, retryDelay time.Duration) error {
	item.Attempts++
	if item.Attempts >= item.MaxAttempts {
		return svc.markFailed(ctx, item, cause)
	}

	msg := cause.Error()
	item.Status = models.SyncQueueStatusPending
	item.LastError = &msg
	item.ProcessID = nil
	item.NextAttemptAt = time.Now().Add(RetryDelay(retryDelay, item.Attempts))
	return svc.updateItem(ctx, item, "status", "attempts", "last_error", "process_id", "next_attempt_at")
}

// MarkFailed records a failed attempt that must not be retried.
func (svc *Service) MarkFailed(ctx context.Context, item *models.SyncQueueItem, cause error) error {
	item.Attempts++
	return svc.markFailed(ctx, item, cause)
}

func (svc *Service) markFailed(ctx context.Context, item *models.SyncQueueItem, cause error) error {
	now := time.Now()
	msg := cause.Error()
	item.Status = models.SyncQueueStatusFailed
	item.LastError = &msg
	item.CompletedAt = &now
	return svc.updateItem(ctx, item, "status", "attempts", "last_error", "completed_at")
}

// RetryDelay is base * 2^(attempts-1).
func RetryDelay(base time.Duration, attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base * time.Duration(1<<shift)
}

func (svc *Service) updateItem(ctx context.Context, item *models.SyncQueueItem, columns ...string) error {
	item.UpdatedAt = time.Now()
	columns = append(columns, "updated_at")

	_, err := svc.db.
		NewUpdate().
		Model(item).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (svc *Service) RetrieveItem(ctx context.Context, opts RetrieveItemOptions) (*models.SyncQueueItem, error) {
	item := &models.SyncQueueItem{}

	q := svc.db.
		NewSelect().
		Model(item)

	if opts.ID != nil {
		q = q.Where("sq.id = ?", *opts.ID)
	}

	err := q.Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Queue item")
		}
		return nil, errors.WithStack(err)
	}

	if err := item.UnmarshalPayload(); err != nil {
		return nil, err
	}

	return item, nil
}

func (svc *Service) ListItems(ctx context.Context, opts ListItemsOptions) ([]*models.SyncQueueItem, error) {
	items, _, err := svc.listItemsWithTotal(ctx, opts)
	return items, errors.WithStack(err)
}

func (svc *Service) ListItemsWithTotal(ctx context.Context, opts ListItemsOptions) ([]*models.SyncQueueItem, int, error) {
	opts.includeTotal = true
	return svc.listItemsWithTotal(ctx, opts)
}

func (svc *Service) listItemsWithTotal(ctx context.Context, opts ListItemsOptions) ([]*models.SyncQueueItem, int, error) {
	items := []*models.SyncQueueItem{}
	var total int
	var err error

	q := svc.db.
		NewSelect().
		Model(&items).
		Order("sq.id ASC")

	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		q = q.Offset(*opts.Offset)
	}
	if len(opts.Statuses) > 0 {
		q = q.Where("sq.status IN (?)", bun.In(opts.Statuses))
	}
	if opts.Direction != nil {
		q = q.Where("sq.direction = ?", *opts.Direction)
	}
	if opts.SampleID != nil {
		q = q.Where("sq.sample_id = ?", *opts.SampleID)
	}

	if opts.includeTotal {
		total, err = q.ScanAndCount(ctx)
	} else {
		err = q.Scan(ctx)
	}
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	for _, item := range items {
		if err := item.UnmarshalPayload(); err != nil {
			return nil, 0, err
		}
	}

	return items, total, nil
}

func (svc *Service) Counts(ctx context.Context) (Counts, error) {
	rows := []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}{}
	err := svc.db.
		NewSelect().
		Model((*models.SyncQueueItem)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return Counts{}, errors.WithStack(err)
	}

	counts := Counts{}
	for _, r := range rows {
		switch r.Status {
		case models.SyncQueueStatusPending:
			counts.Pending = r.Count
		case models.SyncQueueStatusProcessing:
			counts.Processing = r.Count
		case models.SyncQueueStatusCompleted:
			counts.Completed = r.Count
		case models.SyncQueueStatusFailed:
			counts.Failed = r.Count
		}
	}
	return counts, nil
}

// Reprocess puts a finished or waiting item back at the front of its retry
// schedule with a fresh attempt budget. Items being processed can't be
// reprocessed; see RequeueStuck.
func (svc *Service) Reprocess(ctx context.Context, id int) (*models.SyncQueueItem, error) {
	item, err := svc.RetrieveItem(ctx, RetrieveItemOptions{ID: &id})
	if err != nil {
		return nil, err
	}
	if item.Status == models.SyncQueueStatusProcessing {
		return nil, errcodes.Conflict("Queue item is being processed.")
	}

	resetForReprocess(item)
	err = svc.updateItem(ctx, item, "status", "attempts", "last_error", "process_id", "next_attempt_at", "completed_at")
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ReprocessFailed resets every failed item and returns how many there were.
func (svc *Service) ReprocessFailed(ctx context.Context) (int, error) {
	now := time.Now()
	res, err := svc.db.
		NewUpdate().
		Model((*models.SyncQueueItem)(nil)).
		Set("status = ?", models.SyncQueueStatusPending).
		Set("attempts = 0").
		Set("last_error = NULL").
		Set("process_id = NULL").
		Set("completed_at = NULL").
		Set("next_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("status = ?", models.SyncQueueStatusFailed).
		Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	return int(n), errors.WithStack(err)
}

// RequeueStuck returns items that have been processing for longer than
// olderThan to pending. It's meant for an operator who knows the worker that
// claimed them is gone.
func (svc *Service) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now()
	res, err := svc.db.
		NewUpdate().
		Model((*models.SyncQueueItem)(nil)).
		Set("status = ?", models.SyncQueueStatusPending).
		Set("process_id = NULL").
		Set("next_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("status = ?", models.SyncQueueStatusProcessing).
		Where("updated_at <= ?", now.Add(-olderThan)).
		Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	return int(n), errors.WithStack(err)
}

// Clear deletes completed and failed items, or every item with opts.All.
func (svc *Service) Clear(ctx context.Context, opts ClearOptions) (int, error) {
	q := svc.db.
		NewDelete().
		Model((*models.SyncQueueItem)(nil))
	if opts.All {
		q = q.Where("1 = 1")
	} else {
		q = q.Where("status IN (?)", bun.In([]string{models.SyncQueueStatusCompleted, models.SyncQueueStatusFailed}))
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	return int(n), errors.WithStack(err)
}

func resetForReprocess(item *models.SyncQueueItem) {
	item.Status = models.SyncQueueStatusPending
	item.Attempts = 0
	item.LastError = nil
	item.ProcessID = nil
	item.CompletedAt = nil
	item.NextAttemptAt = time.Now()
}
