package conflicts

import (
	"time"

	"github.com/ebmlabs/samplesync/pkg/models"
)

const (
	// ResolutionNone means both sides already agree.
	ResolutionNone = "none"
	// ResolutionApplyExternal means the fields differ and nothing local is
	// pending, so the LIMS copy is taken as is.
	ResolutionApplyExternal = "apply_external"
	// ResolutionExternalWins is a real conflict that the LIMS edit won by
	// being more recent.
	ResolutionExternalWins = "external_wins"
	// ResolutionKeepLocal means a pending local edit is at least as recent as
	// the LIMS copy. The outbound sync will overwrite the LIMS.
	ResolutionKeepLocal = "keep_local"
)

// Result is the outcome of comparing a local sample with its LIMS copy. It's
// computed and acted on immediately.
type Result struct {
	HasConflict        bool
	Resolution         string
	Winner             string
	ChangedFields      []string
	LocalFields        models.SampleFields
	ExternalFields     models.SampleFields
	LocalModifiedAt    time.Time
	ExternalModifiedAt time.Time
}

// ShouldApplyExternal reports whether the external fields must be written to
// the local record.
func (r Result) ShouldApplyExternal() bool {
	return r.Resolution == ResolutionApplyExternal || r.Resolution == ResolutionExternalWins
}

// Detect compares the business fields present in external against local.
// A difference is a conflict only when the LIMS edit is strictly newer than
// the local one and the local record still has an edit that was never
// pushed. Conflicts are resolved by most recent write, which for a real
// conflict is always the LIMS side.
func Detect(local *models.Sample, external models.SampleFields, externalModifiedAt time.Time) Result {
	res := Result{
		Resolution:         ResolutionNone,
		LocalFields:        local.Fields(),
		ExternalFields:     external.Clone(),
		LocalModifiedAt:    local.LastModifiedAt,
		ExternalModifiedAt: externalModifiedAt,
	}

	res.ChangedFields = diff(res.LocalFields, external)
	if len(res.ChangedFields) == 0 {
		return res
	}

	dirty := local.IsLocallyDirty()
	externalNewer := externalModifiedAt.After(local.LastModifiedAt)

	switch {
	case !dirty:
		res.Resolution = ResolutionApplyExternal
	case externalNewer:
		res.HasConflict = true
		res.Resolution = ResolutionExternalWins
		res.Winner = models.ConflictWinnerExternal
	default:
		res.Resolution = ResolutionKeepLocal
	}

	return res
}

func diff(local, external models.SampleFields) []string {
	var changed []string
	cmp := func(name string, l, e *string) {
		if e == nil {
			return
		}
		if l == nil || *l != *e {
			changed = append(changed, name)
		}
	}
	cmp("client_name", local.ClientName, external.ClientName)
	cmp("sample_type", local.SampleType, external.SampleType)
	cmp("sample_format", local.SampleFormat, external.SampleFormat)
	cmp("sample_date", local.SampleDate, external.SampleDate)
	cmp("status", local.Status, external.Status)
	return changed
}
