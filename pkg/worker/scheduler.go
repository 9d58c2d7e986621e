package worker

import (
	"context"
	"time"

	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/robinjoseph08/golib/logger"
)

// schedule drains the sync queue every poll interval and, when an import
// interval is configured, queues a periodic full import.
func (w *Worker) schedule() {
	drain := time.NewTicker(w.config.WorkerPollInterval)
	defer drain.Stop()

	var importC <-chan time.Time
	if w.config.ImportIntervalMinutes > 0 {
		t := time.NewTicker(time.Duration(w.config.ImportIntervalMinutes) * time.Minute)
		defer t.Stop()
		importC = t.C
	}

	for {
		select {
		case <-w.shutdown:
			w.doneScheduling <- struct{}{}
			return
		case <-drain.C:
			w.drainQueue()
		case <-importC:
			w.scheduleImport()
		}
	}
}

// drainQueue processes one batch of the sync queue.
func (w *Worker) drainQueue() {
	log := w.log.Data(logger.Data{"process_id": processID})
	ctx := log.WithContext(w.ctx)

	result, err := w.syncer.ProcessQueue(ctx, 0)
	if err != nil {
		if ctx.Err() == nil {
			log.Err(err).Error("process sync queue error")
		}
		return
	}
	if result.Processed > 0 {
		log.Info("processed sync queue batch", logger.Data{
			"processed": result.Processed,
			"completed": result.Completed,
			"retried":   result.Retried,
			"failed":    result.Failed,
		})
	}
}

// scheduleImport queues an import job unless one is already pending or
// running.
func (w *Worker) scheduleImport() {
	ctx := w.log.WithContext(w.ctx)
	if err := w.createJobIfIdle(ctx, models.JobTypeImport, &models.JobImportData{}); err != nil {
		w.log.Err(err).Error("schedule import error")
	}
}

func (w *Worker) createJobIfIdle(ctx context.Context, jobType string, data interface{}) error {
	hasActive, err := w.jobService.HasActiveJobByType(ctx, jobType)
	if err != nil {
		return err
	}
	if hasActive {
		logger.FromContext(ctx).Info("skipping scheduled job, one is already active", logger.Data{"type": jobType})
		return nil
	}

	job := &models.Job{
		Type:       jobType,
		Status:     models.JobStatusPending,
		DataParsed: data,
	}
	if err := w.jobService.CreateJob(ctx, job); err != nil {
		return err
	}
	logger.FromContext(ctx).Info("scheduled job", logger.Data{"type": jobType, "job_id": job.ID})
	return nil
}
