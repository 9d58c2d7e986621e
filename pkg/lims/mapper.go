package lims

import (
	"time"

	"github.com/ebmlabs/samplesync/pkg/models"
)

// ToExternalFields maps every business field of a sample onto the LIMS
// schema.
func ToExternalFields(s *models.Sample) Fields {
	return PatchFields(s.Fields())
}

// PatchFields maps only the set fields of f, for partial updates.
func PatchFields(f models.SampleFields) Fields {
	out := Fields{}
	put := func(name string, v *string) {
		if v != nil {
			out[name] = Field{Value: *v}
		}
	}
	put(FieldClientName, f.ClientName)
	put(FieldSampleType, f.SampleType)
	put(FieldSampleFormat, f.SampleFormat)
	put(FieldSampleDate, f.SampleDate)
	put(FieldStatus, f.Status)
	return out
}

// FromExternalFields maps LIMS fields back onto a partial sample. Fields the
// entity doesn't carry stay unset. The LIMS is edited by hand, so a status
// outside the known set becomes pending and date-times are cut down to a
// date.
func FromExternalFields(fields Fields) models.SampleFields {
	out := models.SampleFields{}
	get := func(name string) *string {
		f, ok := fields[name]
		if !ok {
			return nil
		}
		v := f.Value
		return &v
	}

	out.ClientName = get(FieldClientName)
	out.SampleType = get(FieldSampleType)
	out.SampleFormat = get(FieldSampleFormat)
	out.SampleDate = get(FieldSampleDate)
	if out.SampleDate != nil {
		d := normalizeDate(*out.SampleDate)
		out.SampleDate = &d
	}
	out.Status = get(FieldStatus)
	if out.Status != nil && !models.IsValidSampleStatus(*out.Status) {
		pending := models.SampleStatusPending
		out.Status = &pending
	}

	return out
}

func normalizeDate(v string) string {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(models.SampleDateFormat)
	}
	return v
}
