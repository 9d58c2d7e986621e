package server

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ebmlabs/samplesync/pkg/auth"
	"github.com/ebmlabs/samplesync/pkg/config"
	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/lims/limstest"
	"github.com/ebmlabs/samplesync/pkg/metrics"
	"github.com/ebmlabs/samplesync/pkg/migrations"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/ebmlabs/samplesync/pkg/syncer"
	"github.com/ebmlabs/samplesync/pkg/syncqueue"
	"github.com/labstack/echo/v4"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// testContext holds a fully wired server backed by an in-memory database
// and a fake LIMS.
type testContext struct {
	t    *testing.T
	db   *bun.DB
	cfg  *config.Config
	srv  *limstest.Server
	e    *echo.Echo
	auth *auth.Service
}

func newTestContext(t *testing.T, opts ...func(cfg *config.Config)) *testContext {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		db.Close()
	})

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	srv := limstest.New(t)
	cfg := config.NewForTest()
	srv.Configure(cfg)
	for _, opt := range opts {
		opt(cfg)
	}

	m := metrics.New()
	client := lims.NewClient(cfg)
	client.SetObserver(m)

	e, err := newEcho(cfg, db, syncer.New(cfg, db, client, m), m)
	require.NoError(t, err)

	return &testContext{
		t:    t,
		db:   db,
		cfg:  cfg,
		srv:  srv,
		e:    e,
		auth: auth.NewService(cfg.JWTSecret),
	}
}

func (tc *testContext) token(admin bool) string {
	tc.t.Helper()
	token, err := tc.auth.IssueToken("caller-1", admin)
	require.NoError(tc.t, err)
	return token
}

func (tc *testContext) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	tc.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	tc.e.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) map[string]string {
	return map[string]string{echo.HeaderAuthorization: "Bearer " + token}
}

func TestHealth(t *testing.T) {
	tc := newTestContext(t)

	rec := tc.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotFound(t *testing.T) {
	tc := newTestContext(t)

	rec := tc.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSamples_RequireToken(t *testing.T) {
	tc := newTestContext(t)

	rec := tc.do(http.MethodGet, "/samples", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSamples_CreatePushesToLIMS(t *testing.T) {
	tc := newTestContext(t)

	rec := tc.do(http.MethodPost, "/samples",
		`{"sample_id":"42","client_name":"Acme Labs","sample_type":"soil","sample_date":"2026-03-01"}`,
		bearer(tc.token(false)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	sample := models.Sample{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sample))
	require.NotNil(t, sample.RegistryCode)
	assert.Equal(t, "EBM042", *sample.RegistryCode)
	assert.NotNil(t, sample.ExternalID)

	entity := tc.srv.EntityByRegistryCode("EBM042")
	require.NotNil(t, entity)
	assert.Equal(t, "Acme Labs", entity.Fields[lims.FieldClientName].Value)

	rec = tc.do(http.MethodGet, "/samples", "", bearer(tc.token(false)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSamples_CreateRejectsInvalidPayload(t *testing.T) {
	tc := newTestContext(t)

	rec := tc.do(http.MethodPost, "/samples", `{"sample_type":"soil"}`, bearer(tc.token(false)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, 0, tc.srv.Len())
}

func TestSync_RequiresAdmin(t *testing.T) {
	tc := newTestContext(t)

	rec := tc.do(http.MethodGet, "/sync/status", "", bearer(tc.token(false)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = tc.do(http.MethodGet, "/sync/status", "", bearer(tc.token(true)))
	assert.Equal(t, http.StatusOK, rec.Code)

	status := syncer.Status{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 0, status.TotalSamples)
}

func TestSync_ImportStartsOneJob(t *testing.T) {
	tc := newTestContext(t)
	admin := bearer(tc.token(true))

	rec := tc.do(http.MethodPost, "/sync/import", "", admin)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	job := models.Job{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.JobTypeImport, job.Type)
	assert.Equal(t, models.JobStatusPending, job.Status)

	rec = tc.do(http.MethodPost, "/sync/import", "", admin)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = tc.do(http.MethodGet, "/jobs", "", admin)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSync_Conflicts(t *testing.T) {
	tc := newTestContext(t)

	rec := tc.do(http.MethodGet, "/sync/conflicts", "", bearer(tc.token(true)))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestWebhook_QueuesNotification(t *testing.T) {
	tc := newTestContext(t)

	body := `{"eventType":"entity.updated","entityId":"ent_1","entityRegistryId":"EBM007","deliveryId":"d-1"}`

	rec := tc.do(http.MethodPost, "/webhooks/lims", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = tc.do(http.MethodPost, "/webhooks/lims", body, map[string]string{
		auth.WebhookSecretHeader: tc.cfg.WebhookSecret,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := map[string]int{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotZero(t, resp["queue_item_id"])

	items, err := syncqueue.NewService(tc.db).ListItems(context.Background(), syncqueue.ListItemsOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.SyncDirectionInbound, items[0].Direction)
	assert.Equal(t, models.SyncOperationUpdate, items[0].Operation)
}

func TestMetrics(t *testing.T) {
	tc := newTestContext(t)

	tc.do(http.MethodPost, "/webhooks/lims", `{"eventType":"entity.created","entityId":"ent_1"}`, map[string]string{
		auth.WebhookSecretHeader: tc.cfg.WebhookSecret,
	})

	rec := tc.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "samplesync_webhooks_received_total")
}

func TestConfig_HidesSecrets(t *testing.T) {
	tc := newTestContext(t)

	rec := tc.do(http.MethodGet, "/config", "", bearer(tc.token(true)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), tc.cfg.WebhookSecret)
	assert.NotContains(t, rec.Body.String(), tc.cfg.JWTSecret)
}

func TestTestRoutes_OnlyInTestEnvironment(t *testing.T) {
	tc := newTestContext(t)

	rec := tc.do(http.MethodPost, "/test/tokens", `{"subject":"e2e","admin":true}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := map[string]string{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	rec = tc.do(http.MethodGet, "/sync/status", "", bearer(resp["token"]))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = tc.do(http.MethodDelete, "/test/data", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	prod := newTestContext(t, func(cfg *config.Config) {
		cfg.Environment = "production"
	})
	rec = prod.do(http.MethodPost, "/test/tokens", `{"subject":"e2e","admin":true}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
