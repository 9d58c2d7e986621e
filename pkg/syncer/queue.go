package syncer

import (
	"context"
	"time"

	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/metrics"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/ebmlabs/samplesync/pkg/samples"
	"github.com/ebmlabs/samplesync/pkg/syncqueue"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// ItemError is the failure of one queue item.
type ItemError struct {
	ItemID int    `json:"item_id"`
	Error  string `json:"error"`
}

// ProcessResult summarizes one ProcessQueue run. Processed counts every
// item that was tried; Completed, Retried and Failed split it by outcome.
type ProcessResult struct {
	Processed int         `json:"processed"`
	Completed int         `json:"completed"`
	Retried   int         `json:"retried"`
	Failed    int         `json:"failed"`
	Errors    []ItemError `json:"errors"`
}

// ProcessQueue claims up to batchSize items and performs them. Failures of
// individual items are recorded on the items and in the result; an error is
// only returned when the queue itself can't be read or written, or when ctx
// ends mid-batch. In that case the items not yet finished go back to pending
// without using an attempt.
func (s *Syncer) ProcessQueue(ctx context.Context, batchSize int) (*ProcessResult, error) {
	if batchSize <= 0 {
		batchSize = s.config.SyncQueueBatchSize
	}

	items, err := s.queueService.Claim(ctx, batchSize, s.processID)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{Errors: []ItemError{}}
	if len(items) == 0 {
		return result, nil
	}
	defer s.invalidateStatus()

	// Claimed items must leave processing even if ctx is canceled.
	stateCtx := context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	for i, item := range items {
		if ctx.Err() != nil {
			return result, s.releaseItems(stateCtx, ctx.Err(), items[i:])
		}

		itemErr := s.processItem(ctx, item)
		if itemErr != nil && ctx.Err() != nil {
			return result, s.releaseItems(stateCtx, ctx.Err(), items[i:])
		}
		result.Processed++

		if itemErr == nil {
			if err := s.queueService.MarkCompleted(stateCtx, item); err != nil {
				return result, err
			}
			result.Completed++
			s.metrics.QueueItemProcessed(item.Direction, metrics.OutcomeOK)
			continue
		}

		result.Errors = append(result.Errors, ItemError{ItemID: item.ID, Error: itemErr.Error()})
		data := logger.Data{
			"item_id":   item.ID,
			"operation": item.Operation,
			"direction": item.Direction,
			"attempts":  item.Attempts + 1,
		}

		if isPermanentFailure(itemErr) {
			if err := s.queueService.MarkFailed(stateCtx, item, itemErr); err != nil {
				return result, err
			}
		} else {
			if err := s.queueService.MarkRetry(stateCtx, item, itemErr, s.config.SyncQueueRetryDelay); err != nil {
				return result, err
			}
		}

		if item.Status == models.SyncQueueStatusFailed {
			result.Failed++
			s.metrics.QueueItemProcessed(item.Direction, metrics.OutcomeFailed)
			log.Err(itemErr).Error("sync queue item failed", data)
		} else {
			result.Retried++
			s.metrics.QueueItemProcessed(item.Direction, metrics.OutcomeRetry)
			log.Err(itemErr).Warn("sync queue item will be retried", data)
		}
	}

	return result, nil
}

func (s *Syncer) releaseItems(ctx context.Context, cause error, items []*models.SyncQueueItem) error {
	logger.FromContext(ctx).Warn("sync queue batch interrupted", logger.Data{"released": len(items)})
	if err := s.queueService.Release(ctx, items...); err != nil {
		return err
	}
	return errors.WithStack(cause)
}

// isPermanentFailure reports whether trying an item again can't help: the
// LIMS rejected the request or a task, or the record to update is gone.
// Everything else, local store errors included, is retried until the item
// runs out of attempts.
func isPermanentFailure(err error) bool {
	var ve *lims.ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var tf *lims.TaskFailedError
	if errors.As(err, &tf) {
		return true
	}
	return errors.Is(err, lims.ErrNotFound)
}

func (s *Syncer) processItem(ctx context.Context, item *models.SyncQueueItem) error {
	externalID := ""
	if item.ExternalID != nil {
		externalID = *item.ExternalID
	}

	if item.Direction == models.SyncDirectionInbound {
		_, err := s.applyInbound(ctx, item.Operation, item.RegistryCode, externalID)
		return err
	}

	switch item.Operation {
	case models.SyncOperationDelete:
		if externalID == "" {
			return nil
		}
		err := s.lims.Delete(ctx, externalID)
		if errors.Is(err, lims.ErrNotFound) {
			return nil
		}
		return err
	case models.SyncOperationCreate, models.SyncOperationUpdate:
		if item.SampleID == nil {
			return errors.Errorf("outbound %s item %d has no sample", item.Operation, item.ID)
		}
		sample, err := s.sampleService.RetrieveSample(ctx, samples.RetrieveSampleOptions{ID: item.SampleID})
		if isNotFound(err) {
			// Deleted locally since; the delete has its own item.
			return nil
		}
		if err != nil {
			return err
		}
		_, err = s.pushSample(ctx, sample)
		return err
	}
	return errors.Errorf("unknown sync operation %q", item.Operation)
}

// ListQueue lists queue items in the order they were enqueued.
func (s *Syncer) ListQueue(ctx context.Context, opts syncqueue.ListItemsOptions) ([]*models.SyncQueueItem, int, error) {
	return s.queueService.ListItemsWithTotal(ctx, opts)
}

// ReprocessQueueItem resets one item so the next run picks it up again.
func (s *Syncer) ReprocessQueueItem(ctx context.Context, id int) (*models.SyncQueueItem, error) {
	item, err := s.queueService.Reprocess(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidateStatus()
	return item, nil
}

// ReprocessFailed resets every failed item.
func (s *Syncer) ReprocessFailed(ctx context.Context) (int, error) {
	n, err := s.queueService.ReprocessFailed(ctx)
	if err != nil {
		return 0, err
	}
	s.invalidateStatus()
	return n, nil
}

// RequeueStuck returns items that have been processing for longer than
// olderThan to pending. A zero olderThan uses the configured threshold.
func (s *Syncer) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = s.config.SyncQueueStaleAfter
	}
	n, err := s.queueService.RequeueStuck(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	s.invalidateStatus()
	return n, nil
}

// ClearQueue deletes finished items, or every item with opts.All.
func (s *Syncer) ClearQueue(ctx context.Context, opts syncqueue.ClearOptions) (int, error) {
	n, err := s.queueService.Clear(ctx, opts)
	if err != nil {
		return 0, err
	}
	s.invalidateStatus()
	return n, nil
}
