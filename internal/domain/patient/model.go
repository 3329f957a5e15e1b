package patient

import (
	"time"

	"github.com/carelink/carelink/internal/platform/fhir"
)

// Patient maps to the patient table. The numeric ID is the immutable local
// handle; ExternalID is the national identifier used as the dedup key when
// records arrive from other providers.
type Patient struct {
	ID         int64      `db:"id" json:"id"`
	ExternalID string     `db:"external_id" json:"external_id"`
	MRN        *string    `db:"mrn" json:"mrn,omitempty"`
	NameFamily *string    `db:"name_family" json:"name_family,omitempty"`
	NameGiven  *string    `db:"name_given" json:"name_given,omitempty"`
	Gender     *string    `db:"gender" json:"gender,omitempty"`
	BirthDate  *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Phone      *string    `db:"phone" json:"phone,omitempty"`
	Active     bool       `db:"active" json:"active"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// Fields returns the wire-mapping view of the patient.
func (p *Patient) Fields() *fhir.PatientFields {
	return &fhir.PatientFields{
		ExternalID: p.ExternalID,
		MRN:        p.MRN,
		NameFamily: p.NameFamily,
		NameGiven:  p.NameGiven,
		Gender:     p.Gender,
		BirthDate:  p.BirthDate,
		Phone:      p.Phone,
	}
}

// ToResource converts the patient to its gateway wire resource.
func (p *Patient) ToResource() (*fhir.PatientResource, error) {
	return fhir.ToPatientResource(p.Fields())
}

// applyFields copies non-nil incoming fields onto the patient. Populated
// columns are never overwritten with blanks.
func (p *Patient) applyFields(f *fhir.PatientFields) {
	if f.MRN != nil {
		p.MRN = f.MRN
	}
	if f.NameFamily != nil {
		p.NameFamily = f.NameFamily
	}
	if f.NameGiven != nil {
		p.NameGiven = f.NameGiven
	}
	if f.Gender != nil {
		p.Gender = f.Gender
	}
	if f.BirthDate != nil {
		p.BirthDate = f.BirthDate
	}
	if f.Phone != nil {
		p.Phone = f.Phone
	}
}
