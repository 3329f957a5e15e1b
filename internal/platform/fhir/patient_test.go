package fhir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/carelink/carelink/internal/platform/fault"
)

func strPtr(s string) *string { return &s }

func TestPatientRoundTrip(t *testing.T) {
	birth := time.Date(1988, 4, 12, 0, 0, 0, 0, time.UTC)
	orig := &PatientFields{
		ExternalID: "3174051204880001",
		MRN:        strPtr("MRN-0042"),
		NameFamily: strPtr("Wijaya"),
		NameGiven:  strPtr("Sari"),
		Gender:     strPtr("female"),
		BirthDate:  &birth,
		Phone:      strPtr("+62-811-000-111"),
	}

	res, err := ToPatientResource(orig)
	if err != nil {
		t.Fatalf("ToPatientResource: %v", err)
	}
	back, err := FromPatientResource(res)
	if err != nil {
		t.Fatalf("FromPatientResource: %v", err)
	}

	if back.ExternalID != orig.ExternalID {
		t.Errorf("external id not preserved: %q != %q", back.ExternalID, orig.ExternalID)
	}
	if *back.NameFamily != *orig.NameFamily || *back.NameGiven != *orig.NameGiven {
		t.Error("name fields not preserved")
	}
	if *back.MRN != *orig.MRN {
		t.Error("mrn not preserved")
	}
	if !back.BirthDate.Equal(*orig.BirthDate) {
		t.Error("birth date not preserved")
	}
}

func TestToPatientResourceRequiresExternalID(t *testing.T) {
	_, err := ToPatientResource(&PatientFields{NameFamily: strPtr("Wijaya")})
	if !fault.Is(err, fault.KindTranslation) {
		t.Errorf("expected translation error, got %v", err)
	}
}

func TestFromPatientResourceMissingIdentifier(t *testing.T) {
	_, err := FromPatientResource(&PatientResource{
		ResourceType: "Patient",
		Name:         []HumanName{{Family: "Wijaya"}},
	})
	if !fault.Is(err, fault.KindTranslation) {
		t.Errorf("expected translation error, got %v", err)
	}
}

func TestFromPatientResourceRejectsBadFields(t *testing.T) {
	base := PatientResource{
		ResourceType: "Patient",
		Identifier:   []Identifier{{System: SystemNationalID, Value: "317405"}},
	}

	bad := base
	bad.BirthDate = "12/04/1988"
	if _, err := FromPatientResource(&bad); !fault.Is(err, fault.KindTranslation) {
		t.Errorf("bad birthDate: expected translation error, got %v", err)
	}

	bad = base
	bad.Gender = "N"
	if _, err := FromPatientResource(&bad); !fault.Is(err, fault.KindTranslation) {
		t.Errorf("bad gender: expected translation error, got %v", err)
	}
}

func TestParsePatientResource(t *testing.T) {
	raw := json.RawMessage(`{
		"resourceType": "Patient",
		"identifier": [{"system": "` + SystemNationalID + `", "value": "317405"}],
		"name": [{"family": "Wijaya", "given": ["Sari"]}]
	}`)
	f, err := ParsePatientResource(raw)
	if err != nil {
		t.Fatalf("ParsePatientResource: %v", err)
	}
	if f.ExternalID != "317405" || *f.NameFamily != "Wijaya" {
		t.Errorf("unexpected fields: %+v", f)
	}

	if _, err := ParsePatientResource(json.RawMessage(`{"identifier": "oops"}`)); !fault.Is(err, fault.KindTranslation) {
		t.Errorf("mistyped identifier: expected translation error, got %v", err)
	}
	if _, err := ParsePatientResource(nil); !fault.Is(err, fault.KindTranslation) {
		t.Errorf("empty payload: expected translation error, got %v", err)
	}
}
