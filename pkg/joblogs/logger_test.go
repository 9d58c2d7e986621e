package joblogs

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/ebmlabs/samplesync/pkg/jobs"
	"github.com/ebmlabs/samplesync/pkg/migrations"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func createJob(t *testing.T, db *bun.DB) *models.Job {
	t.Helper()
	job := &models.Job{Type: models.JobTypeImport, Status: models.JobStatusInProgress}
	require.NoError(t, jobs.NewService(db).CreateJob(context.Background(), job))
	return job
}

func TestJobLogger_PersistsEveryLevel(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()
	job := createJob(t, db)

	jl := svc.NewJobLogger(ctx, job.ID, logger.New())
	jl.Info("import started", logger.Data{"total": 3})
	jl.Warn("record skipped", nil)
	jl.Error("record failed", errors.New("boom"), logger.Data{"registry_code": "EBM001"})

	logs, err := svc.ListJobLogs(ctx, ListJobLogsOptions{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, logs, 3)

	assert.Equal(t, models.JobLogLevelInfo, logs[0].Level)
	require.NotNil(t, logs[0].Data)
	assert.JSONEq(t, `{"total":3}`, *logs[0].Data)

	assert.Equal(t, models.JobLogLevelWarn, logs[1].Level)
	assert.Nil(t, logs[1].Data)

	assert.Equal(t, models.JobLogLevelError, logs[2].Level)
	assert.NotNil(t, logs[2].StackTrace)
}

func TestListJobLogs_AfterIDAndLevels(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()
	job := createJob(t, db)

	jl := svc.NewJobLogger(ctx, job.ID, logger.New())
	jl.Info("one", nil)
	jl.Warn("two", nil)
	jl.Info("three", nil)

	all, err := svc.ListJobLogs(ctx, ListJobLogsOptions{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, all, 3)

	after, err := svc.ListJobLogs(ctx, ListJobLogsOptions{JobID: job.ID, AfterID: &all[0].ID})
	require.NoError(t, err)
	assert.Len(t, after, 2)

	warns, err := svc.ListJobLogs(ctx, ListJobLogsOptions{JobID: job.ID, Levels: []string{models.JobLogLevelWarn}})
	require.NoError(t, err)
	require.Len(t, warns, 1)
	assert.Equal(t, "two", warns[0].Message)
}

func TestTruncateMiddle(t *testing.T) {
	s := strings.Repeat("a", 600) + strings.Repeat("b", 600)
	got := truncateMiddle(s, maxDataValueLen)
	assert.LessOrEqual(t, len(got), maxDataValueLen)
	assert.True(t, strings.HasPrefix(got, "aaa"))
	assert.True(t, strings.HasSuffix(got, "bbb"))
	assert.Contains(t, got, " ... ")

	assert.Equal(t, "short", truncateMiddle("short", maxDataValueLen))
}
