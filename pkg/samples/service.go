package samples

import (
	"context"
	"database/sql"
	"time"

	"github.com/ebmlabs/samplesync/pkg/errcodes"
	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// ErrVersionConflict is returned by a guarded update when the row's sync
// version moved since it was read.
var ErrVersionConflict = errors.New("sample was modified concurrently")

type RetrieveSampleOptions struct {
	ID           *int
	RegistryCode *string
	ExternalID   *string
}

type ListSamplesOptions struct {
	Limit     *int
	Offset    *int
	Statuses  []string
	Origin    *string
	DirtyOnly bool

	includeTotal bool
}

type UpdateSampleOptions struct {
	Columns []string
	// ExpectedVersion makes the update apply only if the stored sync version
	// still equals it.
	ExpectedVersion *int
}

type Service struct {
	db bun.IDB
}

func NewService(db bun.IDB) *Service {
	return &Service{db}
}

func (svc *Service) CreateSample(ctx context.Context, sample *models.Sample) error {
	now := time.Now()
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = now
	}
	if sample.LastModifiedAt.IsZero() {
		sample.LastModifiedAt = sample.CreatedAt
	}
	if sample.Status == "" {
		sample.Status = models.SampleStatusPending
	}
	if sample.Origin == "" {
		sample.Origin = models.SampleOriginLocal
	}

	_, err := svc.db.
		NewInsert().
		Model(sample).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

func (svc *Service) RetrieveSample(ctx context.Context, opts RetrieveSampleOptions) (*models.Sample, error) {
	sample := &models.Sample{}

	q := svc.db.
		NewSelect().
		Model(sample)

	if opts.ID != nil {
		q = q.Where("s.id = ?", *opts.ID)
	}
	if opts.RegistryCode != nil {
		q = q.Where("s.registry_code = ?", *opts.RegistryCode)
	}
	if opts.ExternalID != nil {
		q = q.Where("s.external_id = ?", *opts.ExternalID)
	}

	err := q.Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Sample")
		}
		return nil, errors.WithStack(err)
	}

	return sample, nil
}

func (svc *Service) ListSamples(ctx context.Context, opts ListSamplesOptions) ([]*models.Sample, error) {
	s, _, err := svc.listSamplesWithTotal(ctx, opts)
	return s, errors.WithStack(err)
}

func (svc *Service) ListSamplesWithTotal(ctx context.Context, opts ListSamplesOptions) ([]*models.Sample, int, error) {
	opts.includeTotal = true
	return svc.listSamplesWithTotal(ctx, opts)
}

func (svc *Service) listSamplesWithTotal(ctx context.Context, opts ListSamplesOptions) ([]*models.Sample, int, error) {
	samples := []*models.Sample{}
	var total int
	var err error

	q := svc.db.
		NewSelect().
		Model(&samples).
		Order("s.id ASC")

	q = applyFilters(q, opts)
	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		q = q.Offset(*opts.Offset)
	}

	if opts.includeTotal {
		total, err = q.ScanAndCount(ctx)
	} else {
		err = q.Scan(ctx)
	}
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	return samples, total, nil
}

func (svc *Service) CountSamples(ctx context.Context, opts ListSamplesOptions) (int, error) {
	q := svc.db.
		NewSelect().
		Model((*models.Sample)(nil))
	q = applyFilters(q, opts)

	count, err := q.Count(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

func applyFilters(q *bun.SelectQuery, opts ListSamplesOptions) *bun.SelectQuery {
	if len(opts.Statuses) > 0 {
		q = q.Where("s.status IN (?)", bun.In(opts.Statuses))
	}
	if opts.Origin != nil {
		q = q.Where("s.origin = ?", *opts.Origin)
	}
	if opts.DirtyOnly {
		// Mirrors models.Sample.IsLocallyDirty.
		q = q.WhereGroup(" AND ", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.
				Where("s.last_synced_to_external_at IS NULL").
				WhereOr("s.last_synced_from_external_at IS NOT NULL AND s.last_synced_to_external_at < s.last_synced_from_external_at")
		})
	}
	return q
}

func (svc *Service) UpdateSample(ctx context.Context, sample *models.Sample, opts UpdateSampleOptions) error {
	if len(opts.Columns) == 0 {
		return nil
	}

	q := svc.db.
		NewUpdate().
		Model(sample).
		Column(opts.Columns...).
		WherePK()
	if opts.ExpectedVersion != nil {
		q = q.Where("sync_version = ?", *opts.ExpectedVersion)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if n == 0 {
		if opts.ExpectedVersion != nil {
			return errors.WithStack(ErrVersionConflict)
		}
		return errcodes.NotFound("Sample")
	}

	return nil
}

func (svc *Service) DeleteSample(ctx context.Context, id int) error {
	res, err := svc.db.
		NewDelete().
		Model((*models.Sample)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if n == 0 {
		return errcodes.NotFound("Sample")
	}
	return nil
}
