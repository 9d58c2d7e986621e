package syncer

import (
	"context"
	"strings"
	"time"

	"github.com/ebmlabs/samplesync/pkg/conflicts"
	"github.com/ebmlabs/samplesync/pkg/errcodes"
	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/ebmlabs/samplesync/pkg/samples"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// Outcomes of applying a LIMS record locally.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeKeptLocal = "kept_local"
)

// Event types sent by the LIMS webhook.
const (
	EventEntityCreated = "entity.created"
	EventEntityUpdated = "entity.updated"
	EventEntityDeleted = "entity.deleted"
)

// Notification is a change announced by the LIMS.
type Notification struct {
	EventType        string     `json:"eventType" validate:"required,oneof=entity.created entity.updated entity.deleted"`
	EntityID         string     `json:"entityId" validate:"required"`
	EntityRegistryID *string    `json:"entityRegistryId,omitempty"`
	ModifiedAt       *time.Time `json:"modifiedAt,omitempty"`
}

func (n Notification) operation() (string, error) {
	switch n.EventType {
	case EventEntityCreated:
		return models.SyncOperationCreate, nil
	case EventEntityUpdated:
		return models.SyncOperationUpdate, nil
	case EventEntityDeleted:
		return models.SyncOperationDelete, nil
	}
	return "", errcodes.ValidationError("Unknown event type " + n.EventType + ".")
}

// SyncFromExternal fetches a LIMS record and applies it locally. Records
// are matched by registry code first and by external id second; records
// without a local match are created. lims.ErrNotFound is returned if the
// record no longer exists.
func (s *Syncer) SyncFromExternal(ctx context.Context, externalID string) (*models.Sample, error) {
	entity, err := s.lims.FetchByID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	sample, _, err := s.applyEntity(ctx, entity)
	return sample, err
}

// applyEntity merges a LIMS record into the local store, resolving any
// conflict with a pending local edit, and reports what happened.
func (s *Syncer) applyEntity(ctx context.Context, entity *lims.Entity) (*models.Sample, string, error) {
	if !s.isManaged(entity.EntityRegistryID) {
		return nil, "", errors.Wrapf(ErrForeignEntity, "registry code %q", entity.EntityRegistryID)
	}

	fields := lims.FromExternalFields(entity.Fields)
	modifiedAt := entity.ModifiedAt
	if modifiedAt.IsZero() {
		modifiedAt = time.Now()
	}

	local, err := s.findLocal(ctx, &entity.EntityRegistryID, entity.ID)
	if err != nil && !isNotFound(err) {
		return nil, "", err
	}
	if local == nil {
		sample, err := s.createFromEntity(ctx, entity, fields, modifiedAt)
		if err == nil {
			return sample, OutcomeCreated, nil
		}
		if !isUniqueViolation(err) {
			return nil, "", err
		}
		// Someone else created it in the meantime; merge into theirs.
		local, err = s.findLocal(ctx, &entity.EntityRegistryID, entity.ID)
		if err != nil {
			return nil, "", err
		}
	}

	var res conflicts.Result
	now := time.Now()
	sample, err := s.mutateSample(ctx, samples.RetrieveSampleOptions{ID: &local.ID}, func(ctx context.Context, tx bun.Tx, cur *models.Sample) ([]string, error) {
		res = conflicts.Detect(cur, fields, modifiedAt)

		var columns []string
		if res.HasConflict {
			if _, err := conflicts.NewService(tx).Record(ctx, cur, res); err != nil {
				return nil, err
			}
		}
		if res.ShouldApplyExternal() {
			columns = append(columns, cur.Apply(fields)...)
			cur.LastModifiedAt = modifiedAt
			columns = append(columns, "last_modified_at")
		}

		if cur.ExternalID == nil {
			cur.ExternalID = &entity.ID
			columns = append(columns, "external_id")
		} else if *cur.ExternalID != entity.ID {
			logger.FromContext(ctx).Warn("registry code matched a sample linked to another LIMS record", logger.Data{
				"sample_id":     cur.ID,
				"external_id":   *cur.ExternalID,
				"entity_id":     entity.ID,
				"registry_code": entity.EntityRegistryID,
			})
		}

		cur.LastSyncedFromExternalAt = &now
		columns = append(columns, "last_synced_from_external_at")
		// Unless a newer local edit is still pending, both sides now agree.
		if res.Resolution != conflicts.ResolutionKeepLocal {
			cur.LastSyncedToExternalAt = &now
			columns = append(columns, "last_synced_to_external_at")
		}
		return columns, nil
	})
	if err != nil {
		return nil, "", err
	}

	if res.HasConflict {
		s.metrics.ConflictResolved(res.Winner)
		logger.FromContext(ctx).Info("conflict resolved", logger.Data{
			"sample_id":      sample.ID,
			"registry_code":  entity.EntityRegistryID,
			"winner":         res.Winner,
			"changed_fields": res.ChangedFields,
		})
	}
	if err := s.metaService.MarkSynced(ctx, now); err != nil {
		return nil, "", err
	}

	switch res.Resolution {
	case conflicts.ResolutionApplyExternal, conflicts.ResolutionExternalWins:
		return sample, OutcomeUpdated, nil
	case conflicts.ResolutionKeepLocal:
		return sample, OutcomeKeptLocal, nil
	}
	return sample, OutcomeUnchanged, nil
}

func (s *Syncer) createFromEntity(ctx context.Context, entity *lims.Entity, fields models.SampleFields, modifiedAt time.Time) (*models.Sample, error) {
	now := time.Now()
	externalID := entity.ID
	code := entity.EntityRegistryID

	sample := &models.Sample{
		SampleID:                 s.sampleIDFromRegistryCode(code),
		ExternalID:               &externalID,
		RegistryCode:             &code,
		Origin:                   models.SampleOriginExternal,
		LastModifiedAt:           modifiedAt,
		LastSyncedToExternalAt:   &now,
		LastSyncedFromExternalAt: &now,
	}
	sample.Apply(fields)

	if err := s.sampleService.CreateSample(ctx, sample); err != nil {
		return nil, err
	}
	s.invalidateStatus()

	if err := s.metaService.MarkSynced(ctx, now); err != nil {
		return nil, err
	}
	return sample, nil
}

// findLocal looks a LIMS record up locally by registry code, then by
// external id.
func (s *Syncer) findLocal(ctx context.Context, registryCode *string, externalID string) (*models.Sample, error) {
	if registryCode != nil && *registryCode != "" {
		sample, err := s.sampleService.RetrieveSample(ctx, samples.RetrieveSampleOptions{RegistryCode: registryCode})
		if err == nil || !isNotFound(err) {
			return sample, err
		}
	}
	if externalID == "" {
		return nil, errcodes.NotFound("Sample")
	}
	return s.sampleService.RetrieveSample(ctx, samples.RetrieveSampleOptions{ExternalID: &externalID})
}

// removeLocal deletes the local copy of a record deleted in the LIMS. A
// record that was never imported is ignored.
func (s *Syncer) removeLocal(ctx context.Context, registryCode *string, externalID string) error {
	sample, err := s.findLocal(ctx, registryCode, externalID)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	err = s.sampleService.DeleteSample(ctx, sample.ID)
	if err != nil && !isNotFound(err) {
		return err
	}
	s.invalidateStatus()

	logger.FromContext(ctx).Info("sample removed after LIMS delete", logger.Data{
		"sample_id":   sample.ID,
		"external_id": externalID,
	})
	return s.metaService.MarkSynced(ctx, time.Now())
}

// HandleInboundNotification stamps the webhook receipt time and applies the
// change right away.
func (s *Syncer) HandleInboundNotification(ctx context.Context, n Notification) (*models.Sample, error) {
	if err := s.metaService.MarkWebhookReceived(ctx, time.Now()); err != nil {
		return nil, err
	}
	s.invalidateStatus()

	op, err := n.operation()
	if err != nil {
		return nil, err
	}
	return s.applyInbound(ctx, op, n.EntityRegistryID, n.EntityID)
}

// EnqueueInboundNotification stamps the webhook receipt time and leaves the
// change for the queue worker, which handles it like
// HandleInboundNotification. Items for a sample that's already known are
// ordered behind that sample's outbound items.
func (s *Syncer) EnqueueInboundNotification(ctx context.Context, n Notification) (*models.SyncQueueItem, error) {
	if err := s.metaService.MarkWebhookReceived(ctx, time.Now()); err != nil {
		return nil, err
	}
	s.invalidateStatus()

	op, err := n.operation()
	if err != nil {
		return nil, err
	}

	externalID := n.EntityID
	item := &models.SyncQueueItem{
		ExternalID:   &externalID,
		RegistryCode: n.EntityRegistryID,
		Operation:    op,
		Direction:    models.SyncDirectionInbound,
		MaxAttempts:  s.config.SyncQueueMaxAttempts,
	}
	local, err := s.findLocal(ctx, n.EntityRegistryID, n.EntityID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if local != nil {
		item.SampleID = &local.ID
	}

	if err := s.queueService.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// applyInbound performs an inbound create/update/delete. Records that are
// gone from the LIMS or not managed by this service leave nothing to do.
func (s *Syncer) applyInbound(ctx context.Context, op string, registryCode *string, externalID string) (*models.Sample, error) {
	if op == models.SyncOperationDelete {
		return nil, s.removeLocal(ctx, registryCode, externalID)
	}

	sample, err := s.SyncFromExternal(ctx, externalID)
	if errors.Is(err, lims.ErrNotFound) || errors.Is(err, ErrForeignEntity) {
		logger.FromContext(ctx).Info("nothing to sync", logger.Data{"external_id": externalID, "reason": err.Error()})
		return nil, nil
	}
	return sample, err
}

// isUniqueViolation matches on the message because sqliteshim hands back
// either driver's error type: modernc.org/sqlite reports
// "constraint failed: UNIQUE constraint failed: ... (2067)", and
// mattn/go-sqlite3 reports "UNIQUE constraint failed: ...".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "(2067)")
}
