package lims_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/ebmlabs/samplesync/pkg/config"
	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/lims/limstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*lims.Client, *limstest.Server) {
	t.Helper()
	srv := limstest.New(t)
	cfg := config.NewForTest()
	srv.Configure(cfg)
	return lims.NewClient(cfg), srv
}

func putSample(srv *limstest.Server, code, status string) *lims.Entity {
	return srv.Put(&lims.Entity{
		Name:             code,
		EntityRegistryID: code,
		Fields: lims.Fields{
			lims.FieldClientName: {Value: "Acme"},
			lims.FieldStatus:     {Value: status},
		},
	})
}

func TestFetchByID(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()
	e := putSample(srv, "EBM001", "received")

	got, err := client.FetchByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "EBM001", got.EntityRegistryID)
	assert.Equal(t, "received", got.Fields[lims.FieldStatus].Value)
}

func TestFetchByID_NotFound(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.FetchByID(context.Background(), "bfi_missing")
	assert.ErrorIs(t, err, lims.ErrNotFound)
	assert.False(t, lims.IsRetryable(err))
}

func TestFetchByRegistryCode(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()
	putSample(srv, "EBM001", "pending")
	e := putSample(srv, "EBM002", "pending")

	got, err := client.FetchByRegistryCode(ctx, "EBM002")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	_, err = client.FetchByRegistryCode(ctx, "EBM999")
	assert.ErrorIs(t, err, lims.ErrNotFound)
}

func TestServerErrorsAreRetryable(t *testing.T) {
	client, srv := newTestClient(t)
	srv.FailNext(http.StatusServiceUnavailable, 1)

	_, err := client.FetchByID(context.Background(), "bfi_1")
	var te *lims.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, "forced failure", te.Message)
	assert.True(t, lims.IsRetryable(err))
}

func TestRateLimitIsRetryable(t *testing.T) {
	client, srv := newTestClient(t)
	srv.FailNext(http.StatusTooManyRequests, 1)

	_, err := client.FetchByID(context.Background(), "bfi_1")
	assert.True(t, lims.IsRetryable(err))
}

func TestClientErrorsAreValidationErrors(t *testing.T) {
	client, srv := newTestClient(t)
	srv.FailNext(http.StatusUnprocessableEntity, 1)

	_, err := client.Create(context.Background(), client.NewEntityInput("EBM001", lims.Fields{}))
	var ve *lims.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "create", ve.Op)
	assert.False(t, lims.IsRetryable(err))
}

func TestUnreachableServerIsTransportError(t *testing.T) {
	cfg := config.NewForTest()
	cfg.LIMSBaseURL = "http://127.0.0.1:1"
	client := lims.NewClient(cfg)

	_, err := client.FetchByID(context.Background(), "bfi_1")
	var te *lims.TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, lims.IsRetryable(err))
}

func TestCreateUpdateDelete(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()

	created, err := client.Create(ctx, client.NewEntityInput("EBM042", lims.Fields{
		lims.FieldStatus: {Value: "pending"},
	}))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "EBM042", created.EntityRegistryID)
	assert.Equal(t, "ts_sample", created.SchemaID)
	assert.Equal(t, "lib_samples", created.FolderID)

	updated, err := client.Update(ctx, created.ID, lims.Fields{lims.FieldStatus: {Value: "received"}})
	require.NoError(t, err)
	assert.Equal(t, "received", updated.Fields[lims.FieldStatus].Value)
	assert.Equal(t, created.ID, updated.ID)

	require.NoError(t, client.Delete(ctx, created.ID))
	assert.Nil(t, srv.Entity(created.ID))

	err = client.Delete(ctx, created.ID)
	assert.ErrorIs(t, err, lims.ErrNotFound)
}

func TestListAll_FollowsCursorToTheEnd(t *testing.T) {
	client, srv := newTestClient(t)
	srv.SetPageSize(2)

	want := []string{}
	for i := 1; i <= 6; i++ {
		code := fmt.Sprintf("EBM%03d", i)
		putSample(srv, code, "pending")
		want = append(want, code)
	}

	got := []string{}
	for e, err := range client.ListAll(context.Background(), 2) {
		require.NoError(t, err)
		got = append(got, e.EntityRegistryID)
	}

	// Three pages, each record exactly once.
	assert.Equal(t, want, got)
	assert.Equal(t, 3, srv.Requests("list"))
}

func TestListAll_SkipsForeignPrefixes(t *testing.T) {
	client, srv := newTestClient(t)
	putSample(srv, "EBM001", "pending")
	putSample(srv, "XYZ001", "pending")
	putSample(srv, "EBM002", "pending")

	got := []string{}
	for e, err := range client.ListAll(context.Background(), 0) {
		require.NoError(t, err)
		got = append(got, e.EntityRegistryID)
	}
	assert.Equal(t, []string{"EBM001", "EBM002"}, got)
}

func TestListAll_StopsOnError(t *testing.T) {
	client, srv := newTestClient(t)
	putSample(srv, "EBM001", "pending")
	srv.FailNext(http.StatusBadGateway, 1)

	calls := 0
	for e, err := range client.ListAll(context.Background(), 10) {
		calls++
		assert.Nil(t, e)
		assert.True(t, lims.IsRetryable(err))
	}
	assert.Equal(t, 1, calls)
}

func TestListAll_FreshWalkEachCall(t *testing.T) {
	client, srv := newTestClient(t)
	srv.SetPageSize(1)
	putSample(srv, "EBM001", "pending")
	putSample(srv, "EBM002", "pending")

	seq := client.ListAll(context.Background(), 1)
	for range 2 {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		assert.Equal(t, 2, n)
	}
}

func TestListAll_EarlyBreak(t *testing.T) {
	client, srv := newTestClient(t)
	srv.SetPageSize(1)
	putSample(srv, "EBM001", "pending")
	putSample(srv, "EBM002", "pending")

	for _, err := range client.ListAll(context.Background(), 1) {
		require.NoError(t, err)
		break
	}
	assert.Equal(t, 1, srv.Requests("list"))
}

func TestBulkCreateAndWait(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()
	srv.SetPendingPolls(2)

	taskID, err := client.BulkCreate(ctx, []lims.EntityInput{
		client.NewEntityInput("EBM001", lims.Fields{lims.FieldStatus: {Value: "pending"}}),
		client.NewEntityInput("EBM002", lims.Fields{lims.FieldStatus: {Value: "collected"}}),
	})
	require.NoError(t, err)

	task, err := client.WaitForTask(ctx, taskID, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, lims.TaskStatusSucceeded, task.Status)
	require.Len(t, task.Entities(), 2)
	assert.Equal(t, "EBM002", task.Entities()[1].EntityRegistryID)
	assert.Equal(t, 3, srv.Polls(taskID))
}

func TestBulkUpdateAndWait(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()
	e := putSample(srv, "EBM001", "pending")

	taskID, err := client.BulkUpdate(ctx, []lims.EntityUpdate{
		{ID: e.ID, Fields: lims.Fields{lims.FieldStatus: {Value: "archived"}}},
	})
	require.NoError(t, err)

	_, err = client.WaitForTask(ctx, taskID, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "archived", srv.Entity(e.ID).Fields[lims.FieldStatus].Value)
}

func TestWaitForTask_FailedIsNotRetried(t *testing.T) {
	client, srv := newTestClient(t)
	srv.AddTask("task_bad", lims.TaskStatusFailed, "schema mismatch")

	_, err := client.WaitForTask(context.Background(), "task_bad", 5, time.Millisecond)
	var tf *lims.TaskFailedError
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, "schema mismatch", tf.Payload)
	assert.False(t, lims.IsRetryable(err))
	assert.Equal(t, 1, srv.Polls("task_bad"))
}

func TestWaitForTask_TimesOut(t *testing.T) {
	client, srv := newTestClient(t)
	srv.AddTask("task_slow", lims.TaskStatusRunning, "")

	_, err := client.WaitForTask(context.Background(), "task_slow", 4, time.Millisecond)
	var tt *lims.TaskTimeoutError
	require.ErrorAs(t, err, &tt)
	assert.Equal(t, 4, tt.Attempts)
	assert.Equal(t, lims.TaskStatusRunning, tt.LastStatus)
	assert.True(t, lims.IsRetryable(err))
	assert.Equal(t, 4, srv.Polls("task_slow"))
}

func TestWaitForTask_SingleAttempt(t *testing.T) {
	client, srv := newTestClient(t)
	srv.AddTask("task_slow", lims.TaskStatusPending, "")

	_, err := client.WaitForTask(context.Background(), "task_slow", 1, time.Hour)
	var tt *lims.TaskTimeoutError
	require.ErrorAs(t, err, &tt)
	assert.Equal(t, 1, srv.Polls("task_slow"))
}

func TestWaitForTask_BackoffDoubles(t *testing.T) {
	client, srv := newTestClient(t)
	srv.AddTask("task_slow", lims.TaskStatusRunning, "")

	// 3 polls wait 20ms then 40ms.
	start := time.Now()
	_, err := client.WaitForTask(context.Background(), "task_slow", 3, 20*time.Millisecond)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestWaitForTask_ContextCanceled(t *testing.T) {
	client, srv := newTestClient(t)
	srv.AddTask("task_slow", lims.TaskStatusRunning, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.WaitForTask(ctx, "task_slow", 10, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var tt *lims.TaskTimeoutError
	assert.NotErrorAs(t, err, &tt)
	assert.Equal(t, 1, srv.Polls("task_slow"))
}

func TestWaitForTask_DeadlineLeavesRoomForPolls(t *testing.T) {
	client, srv := newTestClient(t)
	srv.AddTask("task_slow", lims.TaskStatusRunning, "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, err := client.WaitForTask(ctx, "task_slow", 3, time.Millisecond)
	var tt *lims.TaskTimeoutError
	require.ErrorAs(t, err, &tt)
	assert.Equal(t, 3, tt.Attempts)
	assert.Equal(t, 3, srv.Polls("task_slow"))
}

func TestWaitForTask_CanceledWhileWaiting(t *testing.T) {
	client, srv := newTestClient(t)
	srv.AddTask("task_slow", lims.TaskStatusRunning, "")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := client.WaitForTask(ctx, "task_slow", 10, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, srv.Polls("task_slow"))
}

type recordingObserver struct {
	ops  []string
	errs []error
}

func (o *recordingObserver) ObserveLIMSRequest(op string, _ time.Duration, err error) {
	o.ops = append(o.ops, op)
	o.errs = append(o.errs, err)
}

func TestObserverSeesEveryRequest(t *testing.T) {
	client, srv := newTestClient(t)
	obs := &recordingObserver{}
	client.SetObserver(obs)
	e := putSample(srv, "EBM001", "pending")

	_, err := client.FetchByID(context.Background(), e.ID)
	require.NoError(t, err)
	_, err = client.FetchByID(context.Background(), "missing")
	require.Error(t, err)

	assert.Equal(t, []string{"fetch", "fetch"}, obs.ops)
	assert.NoError(t, obs.errs[0])
	assert.ErrorIs(t, obs.errs[1], lims.ErrNotFound)
}
