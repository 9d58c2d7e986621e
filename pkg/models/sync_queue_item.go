package models

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

const (
	SyncQueueStatusPending    = "pending"
	SyncQueueStatusProcessing = "processing"
	SyncQueueStatusCompleted  = "completed"
	SyncQueueStatusFailed     = "failed"
)

const (
	SyncOperationCreate = "create"
	SyncOperationUpdate = "update"
	SyncOperationDelete = "delete"
)

const (
	SyncDirectionOutbound = "outbound"
	SyncDirectionInbound  = "inbound"
)

// SyncQueueItem is a durable unit of pending sync work.
type SyncQueueItem struct {
	bun.BaseModel `bun:"table:sync_queue_items,alias:sq"`

	ID            int          `bun:",pk,nullzero" json:"id"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	SampleID      *int         `json:"sample_id,omitempty"`
	ExternalID    *string      `json:"external_id,omitempty"`
	RegistryCode  *string      `json:"registry_code,omitempty"`
	OrderKey      string       `bun:",nullzero" json:"-"`
	Operation     string       `bun:",nullzero" json:"operation"`
	Direction     string       `bun:",nullzero" json:"direction"`
	Payload       string       `bun:",nullzero" json:"-"`
	PayloadParsed SampleFields `bun:"-" json:"payload"`
	Attempts      int          `json:"attempts"`
	MaxAttempts   int          `json:"max_attempts"`
	Status        string       `bun:",nullzero" json:"status"`
	LastError     *string      `json:"last_error,omitempty"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	ProcessID     *string      `json:"process_id,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

// SampleOrderKey is the key that serializes queue items touching the same
// sample. Items for a known local sample use its id; inbound items that
// haven't been matched yet use the external id.
func SampleOrderKey(sampleID *int, externalID *string) string {
	if sampleID != nil {
		return fmt.Sprintf("sample:%d", *sampleID)
	}
	if externalID != nil {
		return "external:" + *externalID
	}
	return ""
}

func (item *SyncQueueItem) MarshalPayload() error {
	if item.PayloadParsed.IsEmpty() {
		item.Payload = ""
		return nil
	}
	data, err := json.Marshal(item.PayloadParsed)
	if err != nil {
		return errors.WithStack(err)
	}
	item.Payload = string(data)
	return nil
}

func (item *SyncQueueItem) UnmarshalPayload() error {
	item.PayloadParsed = SampleFields{}
	if item.Payload == "" {
		return nil
	}
	err := json.Unmarshal([]byte(item.Payload), &item.PayloadParsed)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// IsTerminal reports whether the item will never be picked up again
// automatically.
func (item *SyncQueueItem) IsTerminal() bool {
	return item.Status == SyncQueueStatusCompleted || item.Status == SyncQueueStatusFailed
}
