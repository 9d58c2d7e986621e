package samples

import "github.com/ebmlabs/samplesync/pkg/models"

type CreateSamplePayload struct {
	SampleID     string  `json:"sample_id" mod:"trim" validate:"omitempty,sampleid"`
	ClientName   string  `json:"client_name" mod:"trim" validate:"required,max=255"`
	SampleType   string  `json:"sample_type" mod:"trim" validate:"max=255"`
	SampleFormat string  `json:"sample_format" mod:"trim" validate:"max=255"`
	SampleDate   string  `json:"sample_date" mod:"trim" validate:"date"`
	Status       *string `json:"status,omitempty" validate:"omitempty,oneof=pending collected received processing completed archived error"`
}

func (p CreateSamplePayload) Fields() models.SampleFields {
	f := models.SampleFields{
		ClientName:   &p.ClientName,
		SampleType:   &p.SampleType,
		SampleFormat: &p.SampleFormat,
		SampleDate:   &p.SampleDate,
		Status:       p.Status,
	}
	if f.Status == nil {
		status := models.SampleStatusPending
		f.Status = &status
	}
	return f.Clone()
}

type UpdateSamplePayload struct {
	ClientName   *string `json:"client_name,omitempty" mod:"trim" validate:"omitempty,min=1,max=255"`
	SampleType   *string `json:"sample_type,omitempty" mod:"trim" validate:"omitempty,max=255"`
	SampleFormat *string `json:"sample_format,omitempty" mod:"trim" validate:"omitempty,max=255"`
	SampleDate   *string `json:"sample_date,omitempty" mod:"trim" validate:"omitempty,date"`
	Status       *string `json:"status,omitempty" validate:"omitempty,oneof=pending collected received processing completed archived error"`
}

func (p UpdateSamplePayload) Fields() models.SampleFields {
	return models.SampleFields{
		ClientName:   p.ClientName,
		SampleType:   p.SampleType,
		SampleFormat: p.SampleFormat,
		SampleDate:   p.SampleDate,
		Status:       p.Status,
	}.Clone()
}

type ListSamplesQuery struct {
	Limit  int      `query:"limit" json:"limit,omitempty" default:"25" validate:"min=1,max=100"`
	Offset int      `query:"offset" json:"offset,omitempty" validate:"min=0"`
	Status []string `query:"status" json:"status,omitempty" validate:"dive,oneof=pending collected received processing completed archived error"`
	Origin *string  `query:"origin" json:"origin,omitempty" validate:"omitempty,oneof=local external"`
	Dirty  bool     `query:"dirty" json:"dirty,omitempty"`
}
