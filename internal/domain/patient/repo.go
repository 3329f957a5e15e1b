package patient

import (
	"context"
	"errors"

	"github.com/carelink/carelink/internal/platform/fhir"
)

// ErrNotFound is returned by lookups that match no patient row.
var ErrNotFound = errors.New("patient not found")

type Repository interface {
	GetByID(ctx context.Context, id int64) (*Patient, error)
	GetByExternalID(ctx context.Context, externalID string) (*Patient, error)
	GetByMRN(ctx context.Context, mrn string) (*Patient, error)
	GetByPhone(ctx context.Context, phone string) (*Patient, error)
	// FindOrCreate atomically returns the patient with the given external
	// identifier, creating it when absent. On an existing row only non-nil
	// incoming fields are applied. The bool reports whether a row was
	// created. Safe for concurrent use; a duplicate-key race never yields
	// two rows.
	FindOrCreate(ctx context.Context, fields *fhir.PatientFields) (*Patient, bool, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
}
