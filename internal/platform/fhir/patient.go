package fhir

import (
	"encoding/json"
	"time"

	"github.com/carelink/carelink/internal/platform/fault"
)

// Identifier systems recognised on inbound and outbound Patient resources.
const (
	SystemNationalID = "https://fhir.kemkes.go.id/id/nik"
	SystemMRN        = "http://sys-ids.kemkes.go.id/mrn"
)

// PatientResource is the wire shape of a Patient exchanged with the gateway.
type PatientResource struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Identifier   []Identifier   `json:"identifier,omitempty"`
	Name         []HumanName    `json:"name,omitempty"`
	Gender       string         `json:"gender,omitempty"`
	BirthDate    string         `json:"birthDate,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
}

// PatientFields is the local field set a Patient resource maps to and from.
// ExternalID is the stable national identifier used as the dedup key during
// materialization; everything else is optional.
type PatientFields struct {
	ExternalID string
	MRN        *string
	NameFamily *string
	NameGiven  *string
	Gender     *string
	BirthDate  *time.Time
	Phone      *string
}

var validGenders = map[string]bool{
	"male": true, "female": true, "other": true, "unknown": true,
}

// ToPatientResource converts local patient fields to the wire resource.
func ToPatientResource(f *PatientFields) (*PatientResource, error) {
	if f.ExternalID == "" {
		return nil, fault.New(fault.KindTranslation, "patient has no external identifier")
	}
	res := &PatientResource{
		ResourceType: "Patient",
		Identifier: []Identifier{
			{Use: "official", System: SystemNationalID, Value: f.ExternalID},
		},
	}
	if f.MRN != nil {
		res.Identifier = append(res.Identifier, Identifier{Use: "usual", System: SystemMRN, Value: *f.MRN})
	}
	if f.NameFamily != nil || f.NameGiven != nil {
		name := HumanName{Use: "official"}
		if f.NameFamily != nil {
			name.Family = *f.NameFamily
		}
		if f.NameGiven != nil {
			name.Given = []string{*f.NameGiven}
		}
		res.Name = []HumanName{name}
	}
	if f.Gender != nil {
		res.Gender = *f.Gender
	}
	if f.BirthDate != nil {
		res.BirthDate = f.BirthDate.Format("2006-01-02")
	}
	if f.Phone != nil {
		res.Telecom = []ContactPoint{{System: "phone", Value: *f.Phone}}
	}
	return res, nil
}

// FromPatientResource converts a wire resource back to local patient fields.
// A missing national identifier, an unexpected resource type, or a malformed
// date or gender raises a translation error.
func FromPatientResource(res *PatientResource) (*PatientFields, error) {
	if res.ResourceType != "" && res.ResourceType != "Patient" {
		return nil, fault.New(fault.KindTranslation, "unexpected resource type %q", res.ResourceType)
	}
	f := &PatientFields{}
	for _, id := range res.Identifier {
		switch id.System {
		case SystemNationalID:
			f.ExternalID = id.Value
		case SystemMRN:
			v := id.Value
			f.MRN = &v
		}
	}
	if f.ExternalID == "" {
		return nil, fault.New(fault.KindTranslation, "resource carries no national identifier")
	}
	if len(res.Name) > 0 {
		if res.Name[0].Family != "" {
			v := res.Name[0].Family
			f.NameFamily = &v
		}
		if len(res.Name[0].Given) > 0 {
			v := res.Name[0].Given[0]
			f.NameGiven = &v
		}
	}
	if res.Gender != "" {
		if !validGenders[res.Gender] {
			return nil, fault.New(fault.KindTranslation, "invalid gender %q", res.Gender)
		}
		v := res.Gender
		f.Gender = &v
	}
	if res.BirthDate != "" {
		t, err := time.Parse("2006-01-02", res.BirthDate)
		if err != nil {
			return nil, fault.Wrap(fault.KindTranslation, err, "invalid birthDate %q", res.BirthDate)
		}
		f.BirthDate = &t
	}
	for _, tp := range res.Telecom {
		if tp.System == "phone" && tp.Value != "" {
			v := tp.Value
			f.Phone = &v
			break
		}
	}
	return f, nil
}

// ParsePatientResource decodes raw resource JSON and converts it to patient
// fields. Mistyped fields surface as translation errors, not JSON noise.
func ParsePatientResource(data json.RawMessage) (*PatientFields, error) {
	if len(data) == 0 {
		return nil, fault.New(fault.KindTranslation, "empty resource payload")
	}
	var res PatientResource
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fault.Wrap(fault.KindTranslation, err, "malformed resource payload")
	}
	return FromPatientResource(&res)
}
