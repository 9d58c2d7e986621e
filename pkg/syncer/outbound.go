package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ebmlabs/samplesync/pkg/errcodes"
	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/ebmlabs/samplesync/pkg/samples"
	"github.com/ebmlabs/samplesync/pkg/syncqueue"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// CreateSample stores a new local sample, assigns its registry code and
// creates it in the LIMS right away. The local record is kept even when the
// LIMS call fails; the failure is returned so the caller sees it instead of
// it being queued behind their back.
func (s *Syncer) CreateSample(ctx context.Context, sampleID string, fields models.SampleFields) (*models.Sample, error) {
	log := logger.FromContext(ctx)

	sample := &models.Sample{
		SampleID:       sampleID,
		Origin:         models.SampleOriginLocal,
		LastModifiedAt: time.Now(),
	}
	sample.Apply(fields)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		svc := samples.NewService(tx)

		// Only numeric sample ids carry their own code; the rest get one
		// from the local id once it's known.
		if _, err := strconv.Atoi(strings.TrimSpace(sampleID)); err == nil {
			code := s.RegistryCode(sampleID, 0)
			if err := registryCodeFree(ctx, svc, code); err != nil {
				return err
			}
			sample.RegistryCode = &code
		}

		if err := svc.CreateSample(ctx, sample); err != nil {
			if isUniqueViolation(err) && sample.RegistryCode != nil {
				return errcodes.Conflict(fmt.Sprintf("A sample with registry code %s already exists.", *sample.RegistryCode))
			}
			return err
		}

		if sample.RegistryCode == nil {
			code := s.RegistryCode("", sample.ID)
			if err := registryCodeFree(ctx, svc, code); err != nil {
				return err
			}
			sample.RegistryCode = &code
			err := svc.UpdateSample(ctx, sample, samples.UpdateSampleOptions{
				Columns: []string{"registry_code"},
			})
			if isUniqueViolation(err) {
				return errcodes.Conflict(fmt.Sprintf("A sample with registry code %s already exists.", code))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateStatus()

	log.Info("sample created", logger.Data{"sample_id": sample.ID, "registry_code": *sample.RegistryCode})

	pushed, err := s.pushSample(ctx, sample)
	if err != nil {
		log.Err(err).Warn("creating sample in LIMS failed", logger.Data{"sample_id": sample.ID})
		return sample, errcodes.BadGateway(fmt.Sprintf("Sample %d was saved locally but could not be created in the LIMS: %s", sample.ID, err.Error()))
	}
	return pushed, nil
}

// registryCodeFree returns a conflict error when a sample already uses code.
func registryCodeFree(ctx context.Context, svc *samples.Service, code string) error {
	_, err := svc.RetrieveSample(ctx, samples.RetrieveSampleOptions{RegistryCode: &code})
	if err == nil {
		return errcodes.Conflict(fmt.Sprintf("A sample with registry code %s already exists.", code))
	}
	if !isNotFound(err) {
		return err
	}
	return nil
}

// UpdateSample applies a partial change locally and enqueues the outbound
// update in the same transaction. A change that doesn't alter any field is
// a no-op.
func (s *Syncer) UpdateSample(ctx context.Context, id int, fields models.SampleFields) (*models.Sample, error) {
	sample, err := s.mutateSample(ctx, samples.RetrieveSampleOptions{ID: &id}, func(ctx context.Context, tx bun.Tx, cur *models.Sample) ([]string, error) {
		columns := cur.Apply(fields)
		if len(columns) == 0 {
			return nil, nil
		}

		cur.LastModifiedAt = time.Now()
		cur.LastSyncedToExternalAt = nil
		columns = append(columns, "last_modified_at", "last_synced_to_external_at")

		op := models.SyncOperationUpdate
		if cur.ExternalID == nil {
			op = models.SyncOperationCreate
		}
		item := &models.SyncQueueItem{
			SampleID:      &cur.ID,
			ExternalID:    cur.ExternalID,
			RegistryCode:  cur.RegistryCode,
			Operation:     op,
			Direction:     models.SyncDirectionOutbound,
			PayloadParsed: fields,
			MaxAttempts:   s.config.SyncQueueMaxAttempts,
		}
		if err := syncqueue.NewService(tx).Enqueue(ctx, item); err != nil {
			return nil, err
		}
		return columns, nil
	})
	if err != nil {
		return nil, err
	}
	return sample, nil
}

// DeleteSample removes the local record. When the sample exists in the LIMS
// an outbound delete is enqueued first, in the same transaction.
func (s *Syncer) DeleteSample(ctx context.Context, id int) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		svc := samples.NewService(tx)
		sample, err := svc.RetrieveSample(ctx, samples.RetrieveSampleOptions{ID: &id})
		if err != nil {
			return err
		}

		if sample.ExternalID != nil {
			item := &models.SyncQueueItem{
				SampleID:     &sample.ID,
				ExternalID:   sample.ExternalID,
				RegistryCode: sample.RegistryCode,
				Operation:    models.SyncOperationDelete,
				Direction:    models.SyncDirectionOutbound,
				MaxAttempts:  s.config.SyncQueueMaxAttempts,
			}
			if err := syncqueue.NewService(tx).Enqueue(ctx, item); err != nil {
				return err
			}
		}

		return svc.DeleteSample(ctx, id)
	})
	if err != nil {
		return err
	}
	s.invalidateStatus()
	return nil
}

// SyncToExternal pushes the current state of a local sample to the LIMS.
// LIMS failures are returned as HTTP-facing errors.
func (s *Syncer) SyncToExternal(ctx context.Context, id int) (*models.Sample, error) {
	sample, err := s.sampleService.RetrieveSample(ctx, samples.RetrieveSampleOptions{ID: &id})
	if err != nil {
		return nil, err
	}
	pushed, err := s.pushSample(ctx, sample)
	if err != nil {
		return nil, limsHTTPError(err)
	}
	return pushed, nil
}

// pushSample writes sample's fields to the LIMS. A sample that has no
// external id yet first looks for a record under its registry code and
// adopts it, so repeating a push never creates a second record.
func (s *Syncer) pushSample(ctx context.Context, sample *models.Sample) (*models.Sample, error) {
	fields := lims.ToExternalFields(sample)

	var entity *lims.Entity
	var err error
	if sample.ExternalID != nil {
		entity, err = s.lims.Update(ctx, *sample.ExternalID, fields)
		if errors.Is(err, lims.ErrNotFound) {
			return nil, errors.Wrapf(err, "LIMS record %s of sample %d is gone", *sample.ExternalID, sample.ID)
		}
	} else {
		code := s.RegistryCode(sample.SampleID, sample.ID)
		if sample.RegistryCode != nil {
			code = *sample.RegistryCode
		}
		entity, err = s.lims.FetchByRegistryCode(ctx, code)
		switch {
		case err == nil:
			logger.FromContext(ctx).Info("adopting existing LIMS record", logger.Data{
				"sample_id":     sample.ID,
				"registry_code": code,
				"external_id":   entity.ID,
			})
			entity, err = s.lims.Update(ctx, entity.ID, fields)
		case errors.Is(err, lims.ErrNotFound):
			entity, err = s.lims.Create(ctx, s.lims.NewEntityInput(code, fields))
		}
	}
	if err != nil {
		return nil, err
	}

	return s.stampPushed(ctx, sample.ID, sample.SyncVersion, entity)
}

// stampPushed records a successful push of version pushedVersion of a
// sample. The external id is stored if the sample didn't have one. The
// outbound timestamp is only stamped when nothing changed the sample while
// it was being pushed; otherwise the newer edit is still pending.
func (s *Syncer) stampPushed(ctx context.Context, id, pushedVersion int, entity *lims.Entity) (*models.Sample, error) {
	now := time.Now()
	sample, err := s.mutateSample(ctx, samples.RetrieveSampleOptions{ID: &id}, func(ctx context.Context, _ bun.Tx, cur *models.Sample) ([]string, error) {
		var columns []string
		if cur.ExternalID == nil {
			cur.ExternalID = &entity.ID
			columns = append(columns, "external_id")
		} else if *cur.ExternalID != entity.ID {
			logger.FromContext(ctx).Warn("LIMS returned a different record than the one linked", logger.Data{
				"sample_id":   cur.ID,
				"external_id": *cur.ExternalID,
				"returned_id": entity.ID,
			})
		}
		if cur.RegistryCode == nil && entity.EntityRegistryID != "" {
			code := entity.EntityRegistryID
			cur.RegistryCode = &code
			columns = append(columns, "registry_code")
		}
		if cur.SyncVersion == pushedVersion {
			cur.LastSyncedToExternalAt = &now
			columns = append(columns, "last_synced_to_external_at")
		}
		return columns, nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.metaService.MarkSynced(ctx, now); err != nil {
		return nil, err
	}
	return sample, nil
}
