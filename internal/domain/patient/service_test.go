package patient

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/carelink/carelink/internal/platform/fault"
	"github.com/carelink/carelink/internal/platform/fhir"
)

func strPtr(s string) *string { return &s }

func TestMaterializeCreatesOnce(t *testing.T) {
	svc := NewService(NewInMemoryRepo())
	ctx := context.Background()

	p1, created, err := svc.Materialize(ctx, &fhir.PatientFields{ExternalID: "NIK-1", NameFamily: strPtr("Wijaya")})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !created {
		t.Error("first materialize should create")
	}

	p2, created, err := svc.Materialize(ctx, &fhir.PatientFields{ExternalID: "NIK-1", NameGiven: strPtr("Sari")})
	if err != nil {
		t.Fatalf("second materialize: %v", err)
	}
	if created {
		t.Error("second materialize should not create")
	}
	if p2.ID != p1.ID {
		t.Errorf("expected same handle, got %d and %d", p1.ID, p2.ID)
	}
	if p2.NameFamily == nil || *p2.NameFamily != "Wijaya" {
		t.Error("populated field was lost on update")
	}
	if p2.NameGiven == nil || *p2.NameGiven != "Sari" {
		t.Error("new field was not applied on update")
	}
}

func TestMaterializeNeverBlanksPopulatedFields(t *testing.T) {
	svc := NewService(NewInMemoryRepo())
	ctx := context.Background()

	if _, _, err := svc.Materialize(ctx, &fhir.PatientFields{ExternalID: "NIK-2", Phone: strPtr("+62-811")}); err != nil {
		t.Fatal(err)
	}
	p, _, err := svc.Materialize(ctx, &fhir.PatientFields{ExternalID: "NIK-2"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Phone == nil || *p.Phone != "+62-811" {
		t.Error("nil incoming field overwrote populated phone")
	}
}

func TestMaterializeRequiresExternalID(t *testing.T) {
	svc := NewService(NewInMemoryRepo())
	_, _, err := svc.Materialize(context.Background(), &fhir.PatientFields{NameFamily: strPtr("X")})
	if !fault.Is(err, fault.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestConcurrentMaterializeSameIdentifier(t *testing.T) {
	repo := NewInMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = svc.Materialize(ctx, &fhir.PatientFields{ExternalID: "NIK-RACE"})
		}()
	}
	wg.Wait()

	_, total, err := repo.List(ctx, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("expected exactly one patient row, got %d", total)
	}
}

func TestLookupByIdentifiersPriority(t *testing.T) {
	svc := NewService(NewInMemoryRepo())
	ctx := context.Background()

	byNIK, _, _ := svc.Materialize(ctx, &fhir.PatientFields{ExternalID: "NIK-A", Phone: strPtr("+62-1")})
	byPhone, _, _ := svc.Materialize(ctx, &fhir.PatientFields{ExternalID: "NIK-B", Phone: strPtr("+62-2")})

	// National identifier outranks phone even when both are supplied.
	got, err := svc.LookupByIdentifiers(ctx, []fhir.Identifier{
		{System: "phone", Value: "+62-2"},
		{System: fhir.SystemNationalID, Value: "NIK-A"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != byNIK.ID {
		t.Errorf("expected national-id match %d, got %d", byNIK.ID, got.ID)
	}

	got, err = svc.LookupByIdentifiers(ctx, []fhir.Identifier{{System: "phone", Value: "+62-2"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != byPhone.ID {
		t.Errorf("expected phone match %d, got %d", byPhone.ID, got.ID)
	}

	if _, err := svc.LookupByIdentifiers(ctx, []fhir.Identifier{{System: "phone", Value: "nope"}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
