package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	SampleStatusPending    = "pending"
	SampleStatusCollected  = "collected"
	SampleStatusReceived   = "received"
	SampleStatusProcessing = "processing"
	SampleStatusCompleted  = "completed"
	SampleStatusArchived   = "archived"
	SampleStatusError      = "error"
)

// SampleStatuses lists every valid status in lifecycle order.
var SampleStatuses = []string{
	SampleStatusPending,
	SampleStatusCollected,
	SampleStatusReceived,
	SampleStatusProcessing,
	SampleStatusCompleted,
	SampleStatusArchived,
	SampleStatusError,
}

// IsValidSampleStatus reports whether status is one of SampleStatuses.
func IsValidSampleStatus(status string) bool {
	for _, s := range SampleStatuses {
		if s == status {
			return true
		}
	}
	return false
}

const (
	SampleOriginLocal    = "local"
	SampleOriginExternal = "external"
)

// SampleDateFormat is the layout of Sample.SampleDate.
const SampleDateFormat = "2006-01-02"

// Sample is the canonical local record of a lab sample. The bookkeeping
// fields (everything after Status) are written only by the syncer.
type Sample struct {
	bun.BaseModel `bun:"table:samples,alias:s"`

	ID           int       `bun:",pk,nullzero" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	SampleID     string    `bun:",nullzero" json:"sample_id"`
	ExternalID   *string   `json:"external_id,omitempty"`
	RegistryCode *string   `json:"registry_code,omitempty"`

	ClientName   string `bun:",nullzero" json:"client_name"`
	SampleType   string `bun:",nullzero" json:"sample_type"`
	SampleFormat string `bun:",nullzero" json:"sample_format"`
	SampleDate   string `bun:",nullzero" json:"sample_date"`
	Status       string `bun:",nullzero" json:"status"`

	LastModifiedAt           time.Time  `json:"last_modified_at"`
	LastSyncedToExternalAt   *time.Time `json:"last_synced_to_external_at,omitempty"`
	LastSyncedFromExternalAt *time.Time `json:"last_synced_from_external_at,omitempty"`
	SyncVersion              int        `json:"sync_version"`
	Origin                   string     `bun:",nullzero" json:"origin"`
}

// IsLocallyDirty reports whether the sample has a local change that hasn't
// been pushed to the LIMS: it was never pushed, or it was last pushed before
// it was last pulled.
func (s *Sample) IsLocallyDirty() bool {
	if s.LastSyncedToExternalAt == nil {
		return true
	}
	if s.LastSyncedFromExternalAt == nil {
		return false
	}
	return s.LastSyncedToExternalAt.Before(*s.LastSyncedFromExternalAt)
}

// Fields returns a snapshot of the sample's business fields.
func (s *Sample) Fields() SampleFields {
	return SampleFields{
		ClientName:   &s.ClientName,
		SampleType:   &s.SampleType,
		SampleFormat: &s.SampleFormat,
		SampleDate:   &s.SampleDate,
		Status:       &s.Status,
	}.Clone()
}

// Apply copies every set field of f onto the sample and returns the names of
// the columns that changed.
func (s *Sample) Apply(f SampleFields) []string {
	var changed []string
	set := func(dst *string, src *string, column string) {
		if src == nil || *dst == *src {
			return
		}
		*dst = *src
		changed = append(changed, column)
	}
	set(&s.ClientName, f.ClientName, "client_name")
	set(&s.SampleType, f.SampleType, "sample_type")
	set(&s.SampleFormat, f.SampleFormat, "sample_format")
	set(&s.SampleDate, f.SampleDate, "sample_date")
	set(&s.Status, f.Status, "status")
	return changed
}

// SampleFields is a partial set of a sample's business fields. A nil pointer
// means "not set". It's used for patches, queue payloads and LIMS mapping.
type SampleFields struct {
	ClientName   *string `json:"client_name,omitempty"`
	SampleType   *string `json:"sample_type,omitempty"`
	SampleFormat *string `json:"sample_format,omitempty"`
	SampleDate   *string `json:"sample_date,omitempty"`
	Status       *string `json:"status,omitempty"`
}

// Clone returns a deep copy so snapshots don't alias the source record.
func (f SampleFields) Clone() SampleFields {
	cp := func(p *string) *string {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	return SampleFields{
		ClientName:   cp(f.ClientName),
		SampleType:   cp(f.SampleType),
		SampleFormat: cp(f.SampleFormat),
		SampleDate:   cp(f.SampleDate),
		Status:       cp(f.Status),
	}
}

// IsEmpty reports whether no field is set.
func (f SampleFields) IsEmpty() bool {
	return f.ClientName == nil && f.SampleType == nil && f.SampleFormat == nil &&
		f.SampleDate == nil && f.Status == nil
}
