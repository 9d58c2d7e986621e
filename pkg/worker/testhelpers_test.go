package worker

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ebmlabs/samplesync/pkg/config"
	"github.com/ebmlabs/samplesync/pkg/joblogs"
	"github.com/ebmlabs/samplesync/pkg/jobs"
	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/lims/limstest"
	"github.com/ebmlabs/samplesync/pkg/metrics"
	"github.com/ebmlabs/samplesync/pkg/migrations"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/ebmlabs/samplesync/pkg/samples"
	"github.com/ebmlabs/samplesync/pkg/syncer"
	"github.com/robinjoseph08/golib/logger"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// testContext holds all the dependencies needed for testing the worker.
type testContext struct {
	t             *testing.T
	ctx           context.Context
	db            *bun.DB
	cfg           *config.Config
	srv           *limstest.Server
	worker        *Worker
	syncer        *syncer.Syncer
	jobService    *jobs.Service
	jobLogService *joblogs.Service
	sampleService *samples.Service
}

// newTestContext creates a new test context with an in-memory SQLite
// database, a fake LIMS and a worker that hasn't been started.
func newTestContext(t *testing.T) *testContext {
	t.Helper()

	// Create in-memory SQLite database
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		db.Close()
	})

	// Run migrations
	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	srv := limstest.New(t)
	cfg := config.NewForTest()
	srv.Configure(cfg)

	m := metrics.New()
	client := lims.NewClient(cfg)
	client.SetObserver(m)
	s := syncer.New(cfg, db, client, m)

	// Create context with logger
	ctx := logger.New().WithContext(context.Background())

	return &testContext{
		t:             t,
		ctx:           ctx,
		db:            db,
		cfg:           cfg,
		srv:           srv,
		worker:        New(cfg, db, s),
		syncer:        s,
		jobService:    jobs.NewService(db),
		jobLogService: joblogs.NewService(db),
		sampleService: samples.NewService(db),
	}
}

func (tc *testContext) createJob(jobType string, data interface{}) *models.Job {
	tc.t.Helper()
	job := &models.Job{
		Type:       jobType,
		Status:     models.JobStatusPending,
		DataParsed: data,
	}
	require.NoError(tc.t, tc.jobService.CreateJob(tc.ctx, job))

	// Reload it the way the fetch loop sees it.
	job, err := tc.jobService.RetrieveJob(tc.ctx, jobs.RetrieveJobOptions{ID: &job.ID})
	require.NoError(tc.t, err)
	return job
}

func (tc *testContext) reloadJob(id int) *models.Job {
	tc.t.Helper()
	job, err := tc.jobService.RetrieveJob(tc.ctx, jobs.RetrieveJobOptions{ID: &id})
	require.NoError(tc.t, err)
	return job
}

func (tc *testContext) jobLogs(jobID int) []*models.JobLog {
	tc.t.Helper()
	logs, err := tc.jobLogService.ListJobLogs(tc.ctx, joblogs.ListJobLogsOptions{JobID: jobID})
	require.NoError(tc.t, err)
	return logs
}

// createDirtySample stores a sample that has never been pushed.
func (tc *testContext) createDirtySample(sampleID string) *models.Sample {
	tc.t.Helper()
	code := tc.cfg.RegistryPrefix + sampleID
	sample := &models.Sample{
		SampleID:       sampleID,
		RegistryCode:   &code,
		ClientName:     "Acme Labs",
		SampleType:     "soil",
		Status:         models.SampleStatusCollected,
		Origin:         models.SampleOriginLocal,
		LastModifiedAt: time.Now(),
	}
	require.NoError(tc.t, tc.sampleService.CreateSample(tc.ctx, sample))
	return sample
}

func (tc *testContext) putEntity(code string) *lims.Entity {
	tc.t.Helper()
	return tc.srv.Put(&lims.Entity{
		Name:             code,
		EntityRegistryID: code,
		Fields: lims.Fields{
			lims.FieldClientName: {Value: "Acme Labs"},
			lims.FieldSampleType: {Value: "water"},
			lims.FieldStatus:     {Value: models.SampleStatusReceived},
		},
		ModifiedAt: time.Now().UTC(),
	})
}
