package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

const (
	ConflictWinnerLocal    = "local"
	ConflictWinnerExternal = "external"
)

// SyncConflict is the audit record of a resolved conflict between a local
// sample and its LIMS copy.
type SyncConflict struct {
	bun.BaseModel `bun:"table:sync_conflicts,alias:sc"`

	ID                 int          `bun:",pk,nullzero" json:"id"`
	CreatedAt          time.Time    `json:"created_at"`
	SampleID           int          `json:"sample_id"`
	ExternalID         *string      `json:"external_id,omitempty"`
	RegistryCode       *string      `json:"registry_code,omitempty"`
	LocalFields        string       `bun:",nullzero" json:"-"`
	ExternalFields     string       `bun:",nullzero" json:"-"`
	LocalSnapshot      SampleFields `bun:"-" json:"local_fields"`
	ExternalSnapshot   SampleFields `bun:"-" json:"external_fields"`
	LocalModifiedAt    time.Time    `json:"local_modified_at"`
	ExternalModifiedAt time.Time    `json:"external_modified_at"`
	Winner             string       `bun:",nullzero" json:"winner"`
}

func (c *SyncConflict) MarshalSnapshots() error {
	local, err := json.Marshal(c.LocalSnapshot)
	if err != nil {
		return errors.WithStack(err)
	}
	external, err := json.Marshal(c.ExternalSnapshot)
	if err != nil {
		return errors.WithStack(err)
	}
	c.LocalFields = string(local)
	c.ExternalFields = string(external)
	return nil
}

func (c *SyncConflict) UnmarshalSnapshots() error {
	if c.LocalFields != "" {
		if err := json.Unmarshal([]byte(c.LocalFields), &c.LocalSnapshot); err != nil {
			return errors.WithStack(err)
		}
	}
	if c.ExternalFields != "" {
		if err := json.Unmarshal([]byte(c.ExternalFields), &c.ExternalSnapshot); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
