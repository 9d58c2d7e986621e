// Package syncer keeps local samples and their LIMS copies consistent in
// both directions. It owns every write that has to be propagated: the API
// handlers, the webhook intake, the queue worker and the admin CLI all go
// through a *Syncer.
package syncer

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ebmlabs/samplesync/pkg/cache"
	"github.com/ebmlabs/samplesync/pkg/config"
	"github.com/ebmlabs/samplesync/pkg/errcodes"
	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/ebmlabs/samplesync/pkg/metrics"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/ebmlabs/samplesync/pkg/samples"
	"github.com/ebmlabs/samplesync/pkg/syncmeta"
	"github.com/ebmlabs/samplesync/pkg/syncqueue"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

const (
	statusCacheKey = "status"
	// maxWriteAttempts bounds how often a version-guarded write is retried
	// against concurrent writers.
	maxWriteAttempts = 5
	// importProgressEvery is how many records an import handles between
	// progress writes.
	importProgressEvery = 10
)

var (
	// ErrImportInProgress is returned when ImportAll is called while another
	// import is running in this process.
	ErrImportInProgress = errcodes.Conflict("An import is already in progress.")
	// ErrForeignEntity is returned for LIMS records whose registry code
	// doesn't carry this service's prefix.
	ErrForeignEntity = errors.New("entity is not managed by this service")
)

// LIMS is the part of *lims.Client the syncer uses.
type LIMS interface {
	RegistryPrefix() string
	NewEntityInput(registryCode string, fields lims.Fields) lims.EntityInput
	FetchByID(ctx context.Context, id string) (*lims.Entity, error)
	FetchByRegistryCode(ctx context.Context, code string) (*lims.Entity, error)
	ListAll(ctx context.Context, pageSize int) iter.Seq2[*lims.Entity, error]
	Create(ctx context.Context, input lims.EntityInput) (*lims.Entity, error)
	Update(ctx context.Context, id string, fields lims.Fields) (*lims.Entity, error)
	Delete(ctx context.Context, id string) error
	BulkCreate(ctx context.Context, inputs []lims.EntityInput) (string, error)
	BulkUpdate(ctx context.Context, updates []lims.EntityUpdate) (string, error)
	WaitForTask(ctx context.Context, taskID string, maxAttempts int, baseDelay time.Duration) (*lims.Task, error)
}

// Syncer is the sync controller.
type Syncer struct {
	config  *config.Config
	db      *bun.DB
	lims    LIMS
	metrics *metrics.Metrics

	sampleService *samples.Service
	queueService  *syncqueue.Service
	metaService   *syncmeta.Service

	statusCache *cache.Cache[string, *Status]
	importMu    sync.Mutex
	processID   string
}

func New(cfg *config.Config, db *bun.DB, client LIMS, m *metrics.Metrics) *Syncer {
	return &Syncer{
		config:        cfg,
		db:            db,
		lims:          client,
		metrics:       m,
		sampleService: samples.NewService(db),
		queueService:  syncqueue.NewService(db),
		metaService:   syncmeta.NewService(db),
		statusCache:   cache.New[string, *Status](cfg.StatusCacheTTL),
		processID:     uuid.New().String(),
	}
}

// ProcessID identifies this syncer on the queue items it claims.
func (s *Syncer) ProcessID() string {
	return s.processID
}

// Status is the summary shown on the admin dashboard.
type Status struct {
	TotalSamples   int                   `json:"total_samples"`
	DirtySamples   int                   `json:"dirty_samples"`
	PendingSync    int                   `json:"pending_sync"`
	FailedSync     int                   `json:"failed_sync"`
	Queue          syncqueue.Counts      `json:"queue"`
	LastSync       *time.Time            `json:"last_sync,omitempty"`
	LastWebhookAt  *time.Time            `json:"last_webhook_at,omitempty"`
	LastImportAt   *time.Time            `json:"last_import_at,omitempty"`
	ImportRunning  bool                  `json:"import_in_progress"`
	ImportProgress models.ImportProgress `json:"import_progress"`
	ImportError    *string               `json:"last_import_error,omitempty"`
}

// GetSyncStatus returns the current summary. It's cached for the configured
// TTL and dropped whenever the syncer changes samples or the queue.
func (s *Syncer) GetSyncStatus(ctx context.Context) (*Status, error) {
	if st, ok := s.statusCache.Get(statusCacheKey); ok {
		return st, nil
	}

	total, err := s.sampleService.CountSamples(ctx, samples.ListSamplesOptions{})
	if err != nil {
		return nil, err
	}
	dirty, err := s.sampleService.CountSamples(ctx, samples.ListSamplesOptions{DirtyOnly: true})
	if err != nil {
		return nil, err
	}
	counts, err := s.queueService.Counts(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := s.metaService.Retrieve(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		TotalSamples:   total,
		DirtySamples:   dirty,
		PendingSync:    counts.Pending + counts.Processing,
		FailedSync:     counts.Failed,
		Queue:          counts,
		LastSync:       meta.LastSyncAt,
		LastWebhookAt:  meta.LastWebhookAt,
		LastImportAt:   meta.LastImportAt,
		ImportRunning:  meta.ImportInProgress,
		ImportProgress: meta.Progress(),
		ImportError:    meta.LastImportError,
	}
	s.statusCache.Set(statusCacheKey, st)
	return st, nil
}

func (s *Syncer) invalidateStatus() {
	s.statusCache.Invalidate(statusCacheKey)
}

// RegistryCode derives the LIMS registry code of a sample: the prefix
// followed by the numeric sample id padded to three digits, so sample "42"
// becomes EBM042. Samples without a numeric id fall back to the local id.
func (s *Syncer) RegistryCode(sampleID string, localID int) string {
	n := localID
	if v, err := strconv.Atoi(strings.TrimSpace(sampleID)); err == nil {
		n = v
	}
	return fmt.Sprintf("%s%03d", s.lims.RegistryPrefix(), n)
}

// sampleIDFromRegistryCode is the inverse of RegistryCode for records first
// seen in the LIMS.
func (s *Syncer) sampleIDFromRegistryCode(code string) string {
	rest := strings.TrimPrefix(code, s.lims.RegistryPrefix())
	if n, err := strconv.Atoi(rest); err == nil {
		return strconv.Itoa(n)
	}
	return rest
}

func (s *Syncer) isManaged(code string) bool {
	return code != "" && strings.HasPrefix(code, s.lims.RegistryPrefix())
}

func isNotFound(err error) bool {
	return errors.Is(err, errcodes.NotFound("Sample"))
}

// mutateFunc changes cur in place and returns the columns it changed. It
// runs inside the write transaction, so it may write other rows through tx.
type mutateFunc func(ctx context.Context, tx bun.Tx, cur *models.Sample) ([]string, error)

// mutateSample re-reads the sample matching opts and applies mutate, guarded
// by the sample's sync version, until the write wins. Every write bumps the
// sync version. When mutate changes nothing, nothing is written.
func (s *Syncer) mutateSample(ctx context.Context, opts samples.RetrieveSampleOptions, mutate mutateFunc) (*models.Sample, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		var out *models.Sample
		err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			svc := samples.NewService(tx)
			cur, err := svc.RetrieveSample(ctx, opts)
			if err != nil {
				return err
			}
			version := cur.SyncVersion
			columns, err := mutate(ctx, tx, cur)
			if err != nil {
				return err
			}
			out = cur
			if len(columns) == 0 {
				return nil
			}
			cur.SyncVersion = version + 1
			columns = append(columns, "sync_version")
			return svc.UpdateSample(ctx, cur, samples.UpdateSampleOptions{
				Columns:         columns,
				ExpectedVersion: &version,
			})
		})
		if errors.Is(err, samples.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.invalidateStatus()
		return out, nil
	}
	return nil, errcodes.Conflict("The sample is being modified concurrently. Please try again.")
}
