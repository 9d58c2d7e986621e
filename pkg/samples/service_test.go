package samples

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ebmlabs/samplesync/pkg/errcodes"
	"github.com/ebmlabs/samplesync/pkg/migrations"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/robinjoseph08/golib/pointerutil"
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

func TestCreateSample_Defaults(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	s := &models.Sample{SampleID: "42", ClientName: "Acme"}
	require.NoError(t, svc.CreateSample(ctx, s))
	assert.NotZero(t, s.ID)
	assert.Equal(t, models.SampleStatusPending, s.Status)
	assert.Equal(t, models.SampleOriginLocal, s.Origin)
	assert.False(t, s.LastModifiedAt.IsZero())
	assert.True(t, s.IsLocallyDirty())
}

func TestRetrieveSample(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	s := &models.Sample{
		ClientName:   "Acme",
		RegistryCode: pointerutil.String("EBM001"),
		ExternalID:   pointerutil.String("bfi_1"),
	}
	require.NoError(t, svc.CreateSample(ctx, s))

	got, err := svc.RetrieveSample(ctx, RetrieveSampleOptions{RegistryCode: pointerutil.String("EBM001")})
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	got, err = svc.RetrieveSample(ctx, RetrieveSampleOptions{ExternalID: pointerutil.String("bfi_1")})
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = svc.RetrieveSample(ctx, RetrieveSampleOptions{ID: pointerutil.Int(999)})
	assert.ErrorIs(t, err, errcodes.NotFound("Sample"))
}

func TestRegistryCodeIsUnique(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	require.NoError(t, svc.CreateSample(ctx, &models.Sample{RegistryCode: pointerutil.String("EBM001")}))
	err := svc.CreateSample(ctx, &models.Sample{RegistryCode: pointerutil.String("EBM001")})
	assert.Error(t, err)
}

func TestListSamples_DirtyOnly(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()
	now := time.Now()

	never := &models.Sample{ClientName: "never pushed"}
	clean := &models.Sample{ClientName: "clean", LastSyncedToExternalAt: pointerutil.Time(now)}
	pulled := &models.Sample{
		ClientName:               "pulled after push",
		LastSyncedToExternalAt:   pointerutil.Time(now.Add(-time.Hour)),
		LastSyncedFromExternalAt: pointerutil.Time(now),
	}
	for _, s := range []*models.Sample{never, clean, pulled} {
		require.NoError(t, svc.CreateSample(ctx, s))
	}

	dirty, total, err := svc.ListSamplesWithTotal(ctx, ListSamplesOptions{DirtyOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, dirty, 2)
	assert.Equal(t, never.ID, dirty[0].ID)
	assert.Equal(t, pulled.ID, dirty[1].ID)
	for _, s := range dirty {
		assert.True(t, s.IsLocallyDirty())
	}

	count, err := svc.CountSamples(ctx, ListSamplesOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestListSamples_Filters(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	require.NoError(t, svc.CreateSample(ctx, &models.Sample{Status: models.SampleStatusReceived}))
	require.NoError(t, svc.CreateSample(ctx, &models.Sample{Status: models.SampleStatusError, Origin: models.SampleOriginExternal}))

	list, err := svc.ListSamples(ctx, ListSamplesOptions{Statuses: []string{models.SampleStatusError}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.SampleOriginExternal, list[0].Origin)

	list, err = svc.ListSamples(ctx, ListSamplesOptions{Origin: pointerutil.String(models.SampleOriginLocal)})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.SampleStatusReceived, list[0].Status)
}

func TestUpdateSample_VersionGuard(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	s := &models.Sample{ClientName: "Acme"}
	require.NoError(t, svc.CreateSample(ctx, s))

	first := *s
	second := *s

	first.Status = models.SampleStatusReceived
	first.SyncVersion = 1
	err := svc.UpdateSample(ctx, &first, UpdateSampleOptions{
		Columns:         []string{"status", "sync_version"},
		ExpectedVersion: pointerutil.Int(0),
	})
	require.NoError(t, err)

	second.Status = models.SampleStatusCollected
	second.SyncVersion = 1
	err = svc.UpdateSample(ctx, &second, UpdateSampleOptions{
		Columns:         []string{"status", "sync_version"},
		ExpectedVersion: pointerutil.Int(0),
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := svc.RetrieveSample(ctx, RetrieveSampleOptions{ID: &s.ID})
	require.NoError(t, err)
	assert.Equal(t, models.SampleStatusReceived, got.Status)
	assert.Equal(t, 1, got.SyncVersion)
}

func TestDeleteSample(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	s := &models.Sample{ClientName: "Acme"}
	require.NoError(t, svc.CreateSample(ctx, s))
	require.NoError(t, svc.DeleteSample(ctx, s.ID))

	err := svc.DeleteSample(ctx, s.ID)
	assert.ErrorIs(t, err, errcodes.NotFound("Sample"))
}
