package conflicts

import (
	"context"
	"time"

	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type ListConflictsOptions struct {
	Limit    *int
	Offset   *int
	SampleID *int

	includeTotal bool
}

type Service struct {
	db bun.IDB
}

func NewService(db bun.IDB) *Service {
	return &Service{db}
}

// Record stores the audit entry of a real conflict. It's a no-op for results
// that aren't conflicts.
func (svc *Service) Record(ctx context.Context, sample *models.Sample, res Result) (*models.SyncConflict, error) {
	if !res.HasConflict {
		return nil, nil
	}

	c := &models.SyncConflict{
		CreatedAt:          time.Now(),
		SampleID:           sample.ID,
		ExternalID:         sample.ExternalID,
		RegistryCode:       sample.RegistryCode,
		LocalSnapshot:      res.LocalFields,
		ExternalSnapshot:   res.ExternalFields,
		LocalModifiedAt:    res.LocalModifiedAt,
		ExternalModifiedAt: res.ExternalModifiedAt,
		Winner:             res.Winner,
	}
	if err := c.MarshalSnapshots(); err != nil {
		return nil, err
	}

	_, err := svc.db.
		NewInsert().
		Model(c).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return c, nil
}

func (svc *Service) ListConflicts(ctx context.Context, opts ListConflictsOptions) ([]*models.SyncConflict, error) {
	c, _, err := svc.listConflictsWithTotal(ctx, opts)
	return c, errors.WithStack(err)
}

func (svc *Service) ListConflictsWithTotal(ctx context.Context, opts ListConflictsOptions) ([]*models.SyncConflict, int, error) {
	opts.includeTotal = true
	return svc.listConflictsWithTotal(ctx, opts)
}

func (svc *Service) listConflictsWithTotal(ctx context.Context, opts ListConflictsOptions) ([]*models.SyncConflict, int, error) {
	conflicts := []*models.SyncConflict{}
	var total int
	var err error

	q := svc.db.
		NewSelect().
		Model(&conflicts).
		Order("sc.id DESC")

	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		q = q.Offset(*opts.Offset)
	}
	if opts.SampleID != nil {
		q = q.Where("sc.sample_id = ?", *opts.SampleID)
	}

	if opts.includeTotal {
		total, err = q.ScanAndCount(ctx)
	} else {
		err = q.Scan(ctx)
	}
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	for _, c := range conflicts {
		if err := c.UnmarshalSnapshots(); err != nil {
			return nil, 0, err
		}
	}

	return conflicts, total, nil
}
