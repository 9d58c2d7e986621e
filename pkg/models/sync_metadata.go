package models

import (
	"time"

	"github.com/uptrace/bun"
)

// SyncMetadataID is the primary key of the only sync_metadata row.
const SyncMetadataID = 1

// SyncMetadata is the process-wide sync state. There is exactly one row; it
// is merged in place and never deleted.
type SyncMetadata struct {
	bun.BaseModel `bun:"table:sync_metadata,alias:sm"`

	ID                 int        `bun:",pk" json:"-"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastWebhookAt      *time.Time `json:"last_webhook_at,omitempty"`
	LastImportAt       *time.Time `json:"last_import_at,omitempty"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	ImportInProgress   bool       `json:"import_in_progress"`
	ImportTotal        int        `json:"import_total"`
	ImportProcessed    int        `json:"import_processed"`
	ImportErrors       int        `json:"import_errors"`
	ImportStartedAt    *time.Time `json:"import_started_at,omitempty"`
	LastImportError    *string    `json:"last_import_error,omitempty"`
}

// ImportProgress is the {total, processed, errors} counter of a running or
// finished import.
type ImportProgress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

func (m *SyncMetadata) Progress() ImportProgress {
	return ImportProgress{
		Total:     m.ImportTotal,
		Processed: m.ImportProcessed,
		Errors:    m.ImportErrors,
	}
}
