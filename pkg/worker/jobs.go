package worker

import (
	"context"

	"github.com/ebmlabs/samplesync/pkg/joblogs"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// ProcessImportJob pulls every managed LIMS record into the local store.
func (w *Worker) ProcessImportJob(ctx context.Context, _ *models.Job, jobLog *joblogs.JobLogger) (interface{}, error) {
	jobLog.Info("starting import", nil)

	result, err := w.syncer.ImportAll(ctx, func(p models.ImportProgress) {
		jobLog.Info("import progress", logger.Data{
			"total":     p.Total,
			"processed": p.Processed,
			"errors":    p.Errors,
		})
	})
	if result != nil {
		for _, re := range result.Errors {
			jobLog.Warn("record failed to import", logger.Data{"registry_code": re.RegistryCode, "error": re.Error})
		}
	}
	if err != nil {
		// Only return the partial result if there is one.
		if result == nil {
			return nil, errors.WithStack(err)
		}
		return result, errors.WithStack(err)
	}

	jobLog.Info("import finished", logger.Data{
		"created":    result.Created,
		"updated":    result.Updated,
		"unchanged":  result.Unchanged,
		"kept_local": result.KeptLocal,
	})
	return result, nil
}

// ProcessPushJob sends every locally dirty sample to the LIMS.
func (w *Worker) ProcessPushJob(ctx context.Context, _ *models.Job, jobLog *joblogs.JobLogger) (interface{}, error) {
	jobLog.Info("starting push", nil)

	result, err := w.syncer.PushAll(ctx)
	if result != nil {
		for _, re := range result.Errors {
			jobLog.Warn("sample failed to push", logger.Data{
				"sample_id":     re.SampleID,
				"registry_code": re.RegistryCode,
				"error":         re.Error,
			})
		}
	}
	if err != nil {
		if result == nil {
			return nil, errors.WithStack(err)
		}
		return result, errors.WithStack(err)
	}

	jobLog.Info("push finished", logger.Data{
		"created": result.Created,
		"updated": result.Updated,
		"failed":  result.Failed,
	})
	return result, nil
}

// ProcessQueueJob handles one batch of the sync queue on request.
func (w *Worker) ProcessQueueJob(ctx context.Context, job *models.Job, jobLog *joblogs.JobLogger) (interface{}, error) {
	batchSize := 0
	if data, ok := job.DataParsed.(*models.JobProcessQueueData); ok {
		batchSize = data.BatchSize
	}

	result, err := w.syncer.ProcessQueue(ctx, batchSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for _, ie := range result.Errors {
		jobLog.Warn("sync queue item failed", logger.Data{"item_id": ie.ItemID, "error": ie.Error})
	}

	jobLog.Info("processed sync queue batch", logger.Data{
		"processed": result.Processed,
		"completed": result.Completed,
		"retried":   result.Retried,
		"failed":    result.Failed,
	})
	return result, nil
}
