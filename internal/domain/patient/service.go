package patient

import (
	"context"
	"errors"

	"github.com/carelink/carelink/internal/platform/fault"
	"github.com/carelink/carelink/internal/platform/fhir"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Materialize durably records patient fields arriving from another provider,
// using find-or-create by external identifier. The bool reports whether a new
// local record was created.
func (s *Service) Materialize(ctx context.Context, f *fhir.PatientFields) (*Patient, bool, error) {
	if f == nil || f.ExternalID == "" {
		return nil, false, fault.New(fault.KindValidation, "external identifier is required")
	}
	return s.repo.FindOrCreate(ctx, f)
}

func (s *Service) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByExternalID(ctx context.Context, externalID string) (*Patient, error) {
	return s.repo.GetByExternalID(ctx, externalID)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// LookupByIdentifiers searches the registry with the supplied typed
// identifiers in fixed priority order: national identifier, then MRN, then
// phone number. The first match wins.
func (s *Service) LookupByIdentifiers(ctx context.Context, identifiers []fhir.Identifier) (*Patient, error) {
	pick := func(system string) string {
		for _, id := range identifiers {
			if id.System == system && id.Value != "" {
				return id.Value
			}
		}
		return ""
	}

	if v := pick(fhir.SystemNationalID); v != "" {
		p, err := s.repo.GetByExternalID(ctx, v)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if v := pick(fhir.SystemMRN); v != "" {
		p, err := s.repo.GetByMRN(ctx, v)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if v := pick("phone"); v != "" {
		p, err := s.repo.GetByPhone(ctx, v)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}
