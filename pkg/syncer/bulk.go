package syncer

import (
	"context"
	"time"

	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/metrics"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/ebmlabs/samplesync/pkg/samples"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// RecordError is the failure of one record during a bulk run.
type RecordError struct {
	RegistryCode string `json:"registry_code,omitempty"`
	SampleID     int    `json:"sample_id,omitempty"`
	Error        string `json:"error"`
}

// ImportResult summarizes an ImportAll run.
type ImportResult struct {
	Progress  models.ImportProgress `json:"progress"`
	Created   int                   `json:"created"`
	Updated   int                   `json:"updated"`
	Unchanged int                   `json:"unchanged"`
	KeptLocal int                   `json:"kept_local"`
	Errors    []RecordError         `json:"errors"`
}

// ImportProgressFunc is told about an import's progress as it goes.
type ImportProgressFunc func(p models.ImportProgress)

// ImportAll walks every managed record in the LIMS and applies it locally.
// A record that fails is counted and skipped. Only one import runs at a
// time per syncer; a second call gets ErrImportInProgress. If the listing
// breaks off or ctx ends, the import is recorded as finished with an error
// and the partial result is returned with it.
func (s *Syncer) ImportAll(ctx context.Context, onProgress ImportProgressFunc) (*ImportResult, error) {
	if !s.importMu.TryLock() {
		return nil, ErrImportInProgress
	}
	defer s.importMu.Unlock()

	log := logger.FromContext(ctx)

	if err := s.metaService.StartImport(ctx, time.Now()); err != nil {
		return nil, err
	}
	s.invalidateStatus()

	result := &ImportResult{Errors: []RecordError{}}
	p := &result.Progress

	// The import's own context may be the reason it stops, so the bookkeeping
	// must still go through.
	metaCtx := context.WithoutCancel(ctx)

	var listErr error
	for entity, err := range s.lims.ListAll(ctx, s.config.LIMSPageSize) {
		if err != nil {
			listErr = err
			break
		}
		if ctx.Err() != nil {
			listErr = errors.WithStack(ctx.Err())
			break
		}
		p.Total++

		_, outcome, err := s.applyEntity(ctx, entity)
		p.Processed++
		if err != nil {
			p.Errors++
			result.Errors = append(result.Errors, RecordError{RegistryCode: entity.EntityRegistryID, Error: err.Error()})
			s.metrics.RecordImported(metrics.OutcomeError)
			log.Err(err).Warn("importing record failed", logger.Data{"registry_code": entity.EntityRegistryID})
		} else {
			s.metrics.RecordImported(outcome)
			switch outcome {
			case OutcomeCreated:
				result.Created++
			case OutcomeUpdated:
				result.Updated++
			case OutcomeKeptLocal:
				result.KeptLocal++
			default:
				result.Unchanged++
			}
		}

		if p.Processed%importProgressEvery == 0 {
			if err := s.metaService.UpdateImportProgress(metaCtx, *p); err != nil {
				log.Err(err).Warn("saving import progress failed", nil)
			}
			s.invalidateStatus()
			if onProgress != nil {
				onProgress(*p)
			}
		}
	}

	if err := s.metaService.FinishImport(metaCtx, time.Now(), *p, listErr); err != nil {
		return result, err
	}
	s.invalidateStatus()
	if onProgress != nil {
		onProgress(*p)
	}

	log.Info("import finished", logger.Data{
		"total":     p.Total,
		"processed": p.Processed,
		"errors":    p.Errors,
		"created":   result.Created,
		"updated":   result.Updated,
	})

	if listErr != nil {
		return result, errors.Wrap(listErr, "import stopped before the end of the LIMS listing")
	}
	return result, nil
}

// PushResult summarizes a PushAll run.
type PushResult struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Failed  int           `json:"failed"`
	Errors  []RecordError `json:"errors"`
}

// PushAll sends every locally dirty sample to the LIMS with bulk requests
// of at most the configured chunk size, waiting for each bulk task. When a
// create task fails, its samples are pushed one by one instead, which also
// adopts records a previous run created but never stamped.
func (s *Syncer) PushAll(ctx context.Context) (*PushResult, error) {
	dirty, err := s.sampleService.ListSamples(ctx, samples.ListSamplesOptions{DirtyOnly: true})
	if err != nil {
		return nil, err
	}

	var creates, updates []*models.Sample
	for _, sample := range dirty {
		if sample.ExternalID == nil {
			creates = append(creates, sample)
		} else {
			updates = append(updates, sample)
		}
	}

	result := &PushResult{Errors: []RecordError{}}
	size := s.config.BulkChunkSize
	if size <= 0 {
		size = len(dirty)
	}

	for _, chunk := range chunks(creates, size) {
		if err := s.bulkCreate(ctx, chunk, result); err != nil {
			return result, err
		}
	}
	for _, chunk := range chunks(updates, size) {
		if err := s.bulkUpdate(ctx, chunk, result); err != nil {
			return result, err
		}
	}

	logger.FromContext(ctx).Info("push finished", logger.Data{
		"created": result.Created,
		"updated": result.Updated,
		"failed":  result.Failed,
	})
	return result, nil
}

func (s *Syncer) bulkCreate(ctx context.Context, chunk []*models.Sample, result *PushResult) error {
	byCode := make(map[string]*models.Sample, len(chunk))
	inputs := make([]lims.EntityInput, 0, len(chunk))
	for _, sample := range chunk {
		code := s.RegistryCode(sample.SampleID, sample.ID)
		if sample.RegistryCode != nil {
			code = *sample.RegistryCode
		}
		byCode[code] = sample
		inputs = append(inputs, s.lims.NewEntityInput(code, lims.ToExternalFields(sample)))
	}

	task, err := s.runTask(ctx, func() (string, error) { return s.lims.BulkCreate(ctx, inputs) })
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("bulk create failed, pushing one by one", logger.Data{"count": len(chunk)})
		for _, sample := range chunk {
			if _, err := s.pushSample(ctx, sample); err != nil {
				s.recordPushError(result, sample, err)
				continue
			}
			result.Created++
		}
		return ctx.Err()
	}

	for _, entity := range task.Entities() {
		sample, ok := byCode[entity.EntityRegistryID]
		if !ok {
			continue
		}
		delete(byCode, entity.EntityRegistryID)
		if _, err := s.stampPushed(ctx, sample.ID, sample.SyncVersion, entity); err != nil {
			s.recordPushError(result, sample, err)
			continue
		}
		result.Created++
	}
	for _, sample := range byCode {
		s.recordPushError(result, sample, errors.New("bulk create task didn't return the record"))
	}
	return nil
}

func (s *Syncer) bulkUpdate(ctx context.Context, chunk []*models.Sample, result *PushResult) error {
	byID := make(map[string]*models.Sample, len(chunk))
	updates := make([]lims.EntityUpdate, 0, len(chunk))
	for _, sample := range chunk {
		byID[*sample.ExternalID] = sample
		updates = append(updates, lims.EntityUpdate{ID: *sample.ExternalID, Fields: lims.ToExternalFields(sample)})
	}

	task, err := s.runTask(ctx, func() (string, error) { return s.lims.BulkUpdate(ctx, updates) })
	if err != nil {
		for _, sample := range chunk {
			s.recordPushError(result, sample, err)
		}
		return ctx.Err()
	}

	entities := task.Entities()
	if len(entities) == 0 {
		// Some tasks only report success; the ids are known anyway.
		for id := range byID {
			entities = append(entities, &lims.Entity{ID: id})
		}
	}
	for _, entity := range entities {
		sample, ok := byID[entity.ID]
		if !ok {
			continue
		}
		delete(byID, entity.ID)
		if _, err := s.stampPushed(ctx, sample.ID, sample.SyncVersion, entity); err != nil {
			s.recordPushError(result, sample, err)
			continue
		}
		result.Updated++
	}
	for _, sample := range byID {
		s.recordPushError(result, sample, errors.New("bulk update task didn't return the record"))
	}
	return nil
}

// runTask starts a bulk task and waits for it to finish.
func (s *Syncer) runTask(ctx context.Context, start func() (string, error)) (*lims.Task, error) {
	taskID, err := start()
	if err != nil {
		return nil, err
	}
	return s.lims.WaitForTask(ctx, taskID, s.config.TaskPollMaxAttempts, s.config.TaskPollBaseDelay)
}

func (s *Syncer) recordPushError(result *PushResult, sample *models.Sample, err error) {
	code := ""
	if sample.RegistryCode != nil {
		code = *sample.RegistryCode
	}
	result.Failed++
	result.Errors = append(result.Errors, RecordError{
		RegistryCode: code,
		SampleID:     sample.ID,
		Error:        err.Error(),
	})
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}
