package worker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/ebmlabs/samplesync/pkg/joblogs"
	"github.com/ebmlabs/samplesync/pkg/jobs"
	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/metrics"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/ebmlabs/samplesync/pkg/samples"
	"github.com/ebmlabs/samplesync/pkg/syncer"
	"github.com/ebmlabs/samplesync/pkg/syncqueue"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeResult(t *testing.T, job *models.Job, v interface{}) {
	t.Helper()
	require.NotNil(t, job.Result)
	require.NoError(t, json.Unmarshal([]byte(*job.Result), v))
}

func TestProcessImportJob(t *testing.T) {
	tc := newTestContext(t)

	tc.putEntity("EBM001")
	tc.putEntity("EBM002")
	tc.putEntity("XYZ900")

	job := tc.createJob(models.JobTypeImport, &models.JobImportData{})
	tc.worker.runJob(job)

	job = tc.reloadJob(job.ID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.ProcessID)
	assert.Equal(t, processID, *job.ProcessID)

	result := syncer.ImportResult{}
	decodeResult(t, job, &result)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 2, result.Progress.Processed)

	all, err := tc.sampleService.ListSamples(tc.ctx, samples.ListSamplesOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	logs := tc.jobLogs(job.ID)
	require.NotEmpty(t, logs)
	assert.Equal(t, "starting import", logs[0].Message)
	assert.Equal(t, "import finished", logs[len(logs)-1].Message)
}

func TestProcessImportJob_ListingFails(t *testing.T) {
	tc := newTestContext(t)

	tc.putEntity("EBM001")
	tc.srv.FailNext(http.StatusServiceUnavailable, 1)

	job := tc.createJob(models.JobTypeImport, &models.JobImportData{})
	tc.worker.runJob(job)

	job = tc.reloadJob(job.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	failure := jobFailure{}
	decodeResult(t, job, &failure)
	assert.Contains(t, failure.Error, "import stopped before the end of the LIMS listing")
	assert.NotNil(t, failure.Result)

	logs, err := tc.jobLogService.ListJobLogs(tc.ctx, joblogs.ListJobLogsOptions{
		JobID:  job.ID,
		Levels: []string{models.JobLogLevelError},
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "job failed", logs[0].Message)
	assert.NotNil(t, logs[0].StackTrace)
}

func TestProcessPushJob(t *testing.T) {
	tc := newTestContext(t)

	sample := tc.createDirtySample("001")
	tc.createDirtySample("002")

	job := tc.createJob(models.JobTypePush, &models.JobPushData{})
	tc.worker.runJob(job)

	job = tc.reloadJob(job.ID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	result := syncer.PushResult{}
	decodeResult(t, job, &result)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 2, tc.srv.Len())

	pushed, err := tc.sampleService.RetrieveSample(tc.ctx, samples.RetrieveSampleOptions{ID: &sample.ID})
	require.NoError(t, err)
	assert.NotNil(t, pushed.ExternalID)
	assert.False(t, pushed.IsLocallyDirty())
}

func TestProcessQueueJob(t *testing.T) {
	tc := newTestContext(t)

	sample := tc.createDirtySample("001")
	_, err := tc.syncer.UpdateSample(tc.ctx, sample.ID, models.SampleFields{
		ClientName: pointerutil.String("Globex"),
	})
	require.NoError(t, err)

	job := tc.createJob(models.JobTypeProcessQueue, &models.JobProcessQueueData{BatchSize: 10})
	tc.worker.runJob(job)

	job = tc.reloadJob(job.ID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	result := syncer.ProcessResult{}
	decodeResult(t, job, &result)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Completed)

	entity := tc.srv.EntityByRegistryCode("EBM001")
	require.NotNil(t, entity)
	assert.Equal(t, "Globex", entity.Fields["client_name"].Value)
}

func TestRunJob_UnknownType(t *testing.T) {
	tc := newTestContext(t)

	job := tc.createJob(models.JobTypePush, &models.JobPushData{})
	job.Type = "reindex"
	tc.worker.runJob(job)

	// The stored type is untouched, only the status and result are written.
	job = tc.reloadJob(job.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	failure := jobFailure{}
	decodeResult(t, job, &failure)
	assert.Contains(t, failure.Error, `no process function for job type "reindex"`)
}

func TestRunJob_RecoversPanic(t *testing.T) {
	tc := newTestContext(t)

	tc.worker.processFuncs[models.JobTypePush] = func(_ context.Context, _ *models.Job, _ *joblogs.JobLogger) (interface{}, error) {
		panic("boom")
	}

	job := tc.createJob(models.JobTypePush, &models.JobPushData{})
	tc.worker.runJob(job)

	job = tc.reloadJob(job.ID)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	logs, err := tc.jobLogService.ListJobLogs(tc.ctx, joblogs.ListJobLogsOptions{
		JobID:  job.ID,
		Levels: []string{models.JobLogLevelFatal},
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "job panicked", logs[0].Message)
}

func TestRunJob_LeavesInterruptedJobInProgress(t *testing.T) {
	tc := newTestContext(t)

	tc.worker.processFuncs[models.JobTypePush] = func(ctx context.Context, _ *models.Job, _ *joblogs.JobLogger) (interface{}, error) {
		tc.worker.cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	job := tc.createJob(models.JobTypePush, &models.JobPushData{})
	tc.worker.runJob(job)

	job = tc.reloadJob(job.ID)
	assert.Equal(t, models.JobStatusInProgress, job.Status)
	assert.Nil(t, job.Result)
}

func TestDrainQueue(t *testing.T) {
	tc := newTestContext(t)

	sample := tc.createDirtySample("001")
	_, err := tc.syncer.UpdateSample(tc.ctx, sample.ID, models.SampleFields{
		Status: pointerutil.String(models.SampleStatusReceived),
	})
	require.NoError(t, err)

	tc.worker.drainQueue()

	items, err := syncqueue.NewService(tc.db).ListItems(tc.ctx, syncqueue.ListItemsOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.SyncQueueStatusCompleted, items[0].Status)
	assert.Equal(t, 1, tc.srv.Len())
}

func TestScheduleImport_CreatesJobWhenNoneActive(t *testing.T) {
	tc := newTestContext(t)

	// A finished import doesn't block a new one.
	done := tc.createJob(models.JobTypeImport, &models.JobImportData{})
	require.NoError(t, tc.jobService.FinishJob(tc.ctx, done, models.JobStatusCompleted, nil))

	tc.worker.scheduleImport()

	active, err := tc.jobService.ListJobs(tc.ctx, jobs.ListJobsOptions{
		Statuses: []string{models.JobStatusPending},
		Type:     pointerutil.String(models.JobTypeImport),
	})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestScheduleImport_SkipsWhenImportActive(t *testing.T) {
	tc := newTestContext(t)

	running := tc.createJob(models.JobTypeImport, &models.JobImportData{})
	running.Status = models.JobStatusInProgress
	require.NoError(t, tc.jobService.UpdateJob(tc.ctx, running, jobs.UpdateJobOptions{Columns: []string{"status"}}))

	tc.worker.scheduleImport()

	all, err := tc.jobService.ListJobs(tc.ctx, jobs.ListJobsOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestWorker_StartRunsJobsAndShutsDown(t *testing.T) {
	tc := newTestContext(t)

	tc.createDirtySample("001")
	job := tc.createJob(models.JobTypePush, &models.JobPushData{})

	tc.worker.Start()

	require.Eventually(t, func() bool {
		j, err := tc.jobService.RetrieveJob(tc.ctx, jobs.RetrieveJobOptions{ID: &job.ID})
		return err == nil && j.Status == models.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// Shutdown should complete without hanging
	done := make(chan struct{})
	go func() {
		tc.worker.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown timed out")
	}

	assert.Equal(t, 1, tc.srv.Len())
}

// blockingLIMS holds Create calls until release is closed.
type blockingLIMS struct {
	syncer.LIMS
	entered chan struct{}
	release chan struct{}
}

func (l *blockingLIMS) Create(ctx context.Context, input lims.EntityInput) (*lims.Entity, error) {
	select {
	case l.entered <- struct{}{}:
	default:
	}
	<-l.release
	return l.LIMS.Create(ctx, input)
}

func TestWorker_ShutdownLetsQueueDrainFinish(t *testing.T) {
	tc := newTestContext(t)

	sample := tc.createDirtySample("001")
	_, err := tc.syncer.UpdateSample(tc.ctx, sample.ID, models.SampleFields{
		Status: pointerutil.String(models.SampleStatusReceived),
	})
	require.NoError(t, err)

	client := &blockingLIMS{
		LIMS:    lims.NewClient(tc.cfg),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	w := New(tc.cfg, tc.db, syncer.New(tc.cfg, tc.db, client, metrics.New()))
	w.Start()

	select {
	case <-client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("queue drain never reached the LIMS")
	}

	done := make(chan struct{})
	go func() {
		w.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned while a drain was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(client.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown timed out")
	}

	items, err := syncqueue.NewService(tc.db).ListItems(tc.ctx, syncqueue.ListItemsOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.SyncQueueStatusCompleted, items[0].Status)
	assert.Equal(t, 1, tc.srv.Len())
}
