package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/ebmlabs/samplesync/pkg/config"
	"github.com/ebmlabs/samplesync/pkg/joblogs"
	"github.com/ebmlabs/samplesync/pkg/jobs"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/ebmlabs/samplesync/pkg/syncer"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/uptrace/bun"
)

var processID = randStringBytes(8)

// processFunc runs one job and returns the result to store on it.
type processFunc func(ctx context.Context, job *models.Job, jobLog *joblogs.JobLogger) (interface{}, error)

type Worker struct {
	config *config.Config
	log    logger.Logger

	processFuncs map[string]processFunc

	syncer        *syncer.Syncer
	jobService    *jobs.Service
	jobLogService *joblogs.Service

	// ctx is cancelled on shutdown so that long running jobs stop early.
	ctx    context.Context
	cancel context.CancelFunc

	queue          chan *models.Job
	shutdown       chan struct{}
	doneFetching   chan struct{}
	doneProcessing chan struct{}
	doneScheduling chan struct{}
}

func New(cfg *config.Config, db *bun.DB, s *syncer.Syncer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		config: cfg,
		log:    logger.New(),

		syncer:        s,
		jobService:    jobs.NewService(db),
		jobLogService: joblogs.NewService(db),

		ctx:    ctx,
		cancel: cancel,

		queue:          make(chan *models.Job, cfg.WorkerProcesses),
		shutdown:       make(chan struct{}),
		doneFetching:   make(chan struct{}),
		doneProcessing: make(chan struct{}, cfg.WorkerProcesses),
		doneScheduling: make(chan struct{}),
	}

	w.registerProcessFuncs()

	return w
}

func (w *Worker) registerProcessFuncs() {
	w.processFuncs = map[string]processFunc{
		models.JobTypeImport:       w.ProcessImportJob,
		models.JobTypePush:         w.ProcessPushJob,
		models.JobTypeProcessQueue: w.ProcessQueueJob,
	}
}

func (w *Worker) Start() {
	go w.fetchJobs()
	go w.schedule()
	for i := 0; i < w.config.WorkerProcesses; i++ {
		go w.processJobs()
	}
}

func (w *Worker) fetchJobs() {
	duration := w.config.WorkerPollInterval
	timer := time.NewTimer(duration)

	for {
		select {
		case <-w.shutdown:
			// We're shutting down, so stop adding more jobs to the queue.
			timer.Stop()
			w.doneFetching <- struct{}{}
			return
		case <-timer.C:
			j, err := w.jobService.ListJobs(w.ctx, jobs.ListJobsOptions{
				Limit:              pointerutil.Int(1),
				Statuses:           []string{models.JobStatusPending, models.JobStatusInProgress},
				ProcessIDToExclude: &processID,
			})
			if err != nil {
				w.log.Err(err).Error("list jobs error")
				timer.Reset(duration)
				continue
			}
			for _, job := range j {
				select {
				case w.queue <- job:
				case <-w.shutdown:
				}
			}
			timer.Reset(duration)
		}
	}
}

func (w *Worker) processJobs() {
	for {
		select {
		case <-w.shutdown:
			w.doneProcessing <- struct{}{}
			return
		case job := <-w.queue:
			w.runJob(job)
		}
	}
}

// runJob claims job for this process, runs its process function and stores
// the outcome. A job interrupted by shutdown is left in progress so that
// another process picks it up.
func (w *Worker) runJob(job *models.Job) {
	// Prep the context to be passed down to the process function.
	id, err := uuid.NewRandom()
	if err != nil {
		w.log.Err(err).Error("new uuid error")
		return
	}
	log := w.log.ID(id.String()).Root(logger.Data{"job_id": job.ID, "type": job.Type, "process_id": processID})
	ctx := log.WithContext(w.ctx)

	// The fetch loop can hand out a job again before its claim is written.
	current, err := w.jobService.RetrieveJob(ctx, jobs.RetrieveJobOptions{ID: &job.ID})
	if err != nil {
		log.Err(err).Error("retrieve job error")
		return
	}
	if current.Status == models.JobStatusCompleted || current.Status == models.JobStatusFailed ||
		(current.ProcessID != nil && *current.ProcessID == processID) {
		return
	}

	// Update job to be in progress and claimed by this process.
	job.Status = models.JobStatusInProgress
	job.ProcessID = &processID

	err = w.jobService.UpdateJob(ctx, job, jobs.UpdateJobOptions{
		Columns: []string{"status", "process_id"},
	})
	if err != nil {
		log.Err(err).Error("update job error")
		return
	}

	jobLog := w.jobLogService.NewJobLogger(context.WithoutCancel(ctx), job.ID, log)

	// Find and invoke the appropriate process function.
	fn, ok := w.processFuncs[job.Type]
	if !ok {
		err := errors.Errorf("no process function for job type %q", job.Type)
		jobLog.Error("can't process job", err, nil)
		w.finish(ctx, job, models.JobStatusFailed, jobFailure{Error: err.Error()})
		return
	}

	result, err := w.invoke(ctx, fn, job, jobLog)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("job interrupted by shutdown", nil)
			return
		}
		jobLog.Error("job failed", err, nil)
		w.finish(ctx, job, models.JobStatusFailed, jobFailure{Error: err.Error(), Result: result})
		return
	}

	// Update job to be completed so that it's not picked up anymore.
	w.finish(ctx, job, models.JobStatusCompleted, result)
}

// invoke runs fn, turning a panic into an error.
func (w *Worker) invoke(ctx context.Context, fn processFunc, job *models.Job, jobLog *joblogs.JobLogger) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
			jobLog.Fatal("job panicked", err, nil)
		}
	}()
	return fn(ctx, job, jobLog)
}

func (w *Worker) finish(ctx context.Context, job *models.Job, status string, result interface{}) {
	err := w.jobService.FinishJob(context.WithoutCancel(ctx), job, status, result)
	if err != nil {
		logger.FromContext(ctx).Err(err).Error("update job error")
	}
}

// jobFailure is stored as the result of a failed job.
type jobFailure struct {
	Error  string      `json:"error"`
	Result interface{} `json:"result,omitempty"`
}

// Shutdown stops fetching and scheduling, lets a queue drain that is
// already running finish its batch, and then cancels the running jobs.
func (w *Worker) Shutdown() {
	close(w.shutdown)

	<-w.doneScheduling
	w.cancel()

	<-w.doneFetching
	for i := 0; i < w.config.WorkerProcesses; i++ {
		<-w.doneProcessing
	}
}

const letterBytes = "abcdef0123456789"

func randStringBytes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return string(b)
}
