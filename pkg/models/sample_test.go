package models

import (
	"testing"
	"time"

	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/stretchr/testify/assert"
)

func TestSampleIsLocallyDirty(t *testing.T) {
	t.Parallel()

	now := time.Now()
	earlier := now.Add(-time.Minute)

	tests := []struct {
		name     string
		to, from *time.Time
		want     bool
	}{
		{"never pushed", nil, nil, true},
		{"never pushed but pulled", nil, &now, true},
		{"pushed, never pulled", &now, nil, false},
		{"pushed after pull", &now, &earlier, false},
		{"pushed at pull", &now, &now, false},
		{"pushed before pull", &earlier, &now, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Sample{LastSyncedToExternalAt: tt.to, LastSyncedFromExternalAt: tt.from}
			assert.Equal(t, tt.want, s.IsLocallyDirty())
		})
	}
}

func TestSampleApply(t *testing.T) {
	t.Parallel()

	s := &Sample{ClientName: "Acme", SampleType: "soil", Status: SampleStatusPending}

	changed := s.Apply(SampleFields{
		ClientName: pointerutil.String("Acme"),
		SampleType: pointerutil.String("water"),
		Status:     pointerutil.String(SampleStatusReceived),
	})
	assert.Equal(t, []string{"sample_type", "status"}, changed)
	assert.Equal(t, "water", s.SampleType)
	assert.Equal(t, SampleStatusReceived, s.Status)

	assert.Empty(t, s.Apply(SampleFields{}))
}

func TestSampleFields_DoesNotAlias(t *testing.T) {
	t.Parallel()

	s := &Sample{ClientName: "Acme"}
	f := s.Fields()
	s.ClientName = "Globex"

	assert.Equal(t, "Acme", *f.ClientName)
	assert.False(t, f.IsEmpty())
	assert.True(t, SampleFields{}.IsEmpty())
}

func TestIsValidSampleStatus(t *testing.T) {
	t.Parallel()

	for _, status := range SampleStatuses {
		assert.True(t, IsValidSampleStatus(status), status)
	}
	assert.False(t, IsValidSampleStatus("Received"))
	assert.False(t, IsValidSampleStatus(""))
}

func TestSampleOrderKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "sample:7", SampleOrderKey(pointerutil.Int(7), pointerutil.String("ent_1")))
	assert.Equal(t, "external:ent_1", SampleOrderKey(nil, pointerutil.String("ent_1")))
	assert.Equal(t, "", SampleOrderKey(nil, nil))
}

func TestSyncQueueItemPayload(t *testing.T) {
	t.Parallel()

	item := &SyncQueueItem{PayloadParsed: SampleFields{Status: pointerutil.String(SampleStatusArchived)}}
	assert.NoError(t, item.MarshalPayload())
	assert.JSONEq(t, `{"status":"archived"}`, item.Payload)

	empty := &SyncQueueItem{Payload: "stale"}
	assert.NoError(t, empty.MarshalPayload())
	assert.Equal(t, "", empty.Payload)

	loaded := &SyncQueueItem{Payload: item.Payload}
	assert.NoError(t, loaded.UnmarshalPayload())
	assert.Equal(t, SampleStatusArchived, *loaded.PayloadParsed.Status)
	assert.Nil(t, loaded.PayloadParsed.ClientName)
}

func TestJobUnmarshalData(t *testing.T) {
	t.Parallel()

	job := &Job{Type: JobTypeProcessQueue, Data: `{"batch_size":5}`}
	assert.NoError(t, job.UnmarshalData())
	data, ok := job.DataParsed.(*JobProcessQueueData)
	assert.True(t, ok)
	assert.Equal(t, 5, data.BatchSize)

	assert.Error(t, (&Job{Type: "scan"}).UnmarshalData())
}
