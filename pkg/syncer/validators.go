package syncer

type ProcessQueuePayload struct {
	BatchSize int `json:"batch_size,omitempty" validate:"min=0,max=500"`
}

type RequeueStuckPayload struct {
	// OlderThanMinutes defaults to the configured stale threshold.
	OlderThanMinutes int `json:"older_than_minutes,omitempty" validate:"min=0"`
}

type ListQueueQuery struct {
	Limit     int      `query:"limit" json:"limit,omitempty" default:"25" validate:"min=1,max=100"`
	Offset    int      `query:"offset" json:"offset,omitempty" validate:"min=0"`
	Status    []string `query:"status" json:"status,omitempty" validate:"dive,oneof=pending processing completed failed"`
	Direction *string  `query:"direction" json:"direction,omitempty" validate:"omitempty,oneof=outbound inbound"`
	SampleID  *int     `query:"sample_id" json:"sample_id,omitempty"`
}

type ClearQueueQuery struct {
	All bool `query:"all" json:"all,omitempty"`
}
