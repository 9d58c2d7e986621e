package syncmeta

import (
	"context"
	"database/sql"
	"time"

	"github.com/ebmlabs/samplesync/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// Service reads and merges the sync_metadata singleton. The row is created
// by the migrations and is never deleted.
type Service struct {
	db bun.IDB
}

func NewService(db bun.IDB) *Service {
	return &Service{db}
}

func (svc *Service) Retrieve(ctx context.Context) (*models.SyncMetadata, error) {
	m := &models.SyncMetadata{}
	err := svc.db.
		NewSelect().
		Model(m).
		Where("sm.id = ?", models.SyncMetadataID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The migration inserts the row, but a fresh zero value is still
			// the right answer if it went missing.
			return &models.SyncMetadata{ID: models.SyncMetadataID}, nil
		}
		return nil, errors.WithStack(err)
	}
	return m, nil
}

func (svc *Service) MarkWebhookReceived(ctx context.Context, at time.Time) error {
	return svc.set(ctx, map[string]interface{}{"last_webhook_at": at})
}

func (svc *Service) MarkSynced(ctx context.Context, at time.Time) error {
	return svc.set(ctx, map[string]interface{}{"last_sync_at": at})
}

// StartImport flags an import as running and resets its progress.
func (svc *Service) StartImport(ctx context.Context, at time.Time) error {
	return svc.set(ctx, map[string]interface{}{
		"import_in_progress": true,
		"import_started_at":  at,
		"import_total":       0,
		"import_processed":   0,
		"import_errors":      0,
		"last_import_error":  nil,
	})
}

func (svc *Service) UpdateImportProgress(ctx context.Context, p models.ImportProgress) error {
	return svc.set(ctx, map[string]interface{}{
		"import_total":     p.Total,
		"import_processed": p.Processed,
		"import_errors":    p.Errors,
	})
}

// FinishImport clears the running flag and stores the final progress. A
// non-nil importErr is kept as the last import error; the completion time is
// only stamped for imports that walked the whole listing.
func (svc *Service) FinishImport(ctx context.Context, at time.Time, p models.ImportProgress, importErr error) error {
	values := map[string]interface{}{
		"import_in_progress": false,
		"import_total":       p.Total,
		"import_processed":   p.Processed,
		"import_errors":      p.Errors,
	}
	if importErr != nil {
		values["last_import_error"] = importErr.Error()
	} else {
		values["last_import_at"] = at
		values["last_import_error"] = nil
	}
	return svc.set(ctx, values)
}

func (svc *Service) set(ctx context.Context, values map[string]interface{}) error {
	q := svc.db.
		NewUpdate().
		Model((*models.SyncMetadata)(nil)).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", models.SyncMetadataID)
	for column, v := range values {
		q = q.Set("? = ?", bun.Ident(column), v)
	}

	_, err := q.Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}
