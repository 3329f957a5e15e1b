package patient

import (
	"context"
	"sync"
	"time"

	"github.com/carelink/carelink/internal/platform/fhir"
)

// InMemoryRepo is a thread-safe, in-memory Repository used by tests and
// sandbox mode. Find-or-create holds the write lock for the whole operation,
// giving the same no-duplicate guarantee as the SQL upsert.
type InMemoryRepo struct {
	mu         sync.RWMutex
	nextID     int64
	byID       map[int64]*Patient
	byExternal map[string]int64
	order      []int64
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		nextID:     1,
		byID:       make(map[int64]*Patient),
		byExternal: make(map[string]int64),
	}
}

func (r *InMemoryRepo) GetByID(_ context.Context, id int64) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepo) GetByExternalID(_ context.Context, externalID string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byExternal[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *InMemoryRepo) GetByMRN(_ context.Context, mrn string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		p := r.byID[id]
		if p.MRN != nil && *p.MRN == mrn {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *InMemoryRepo) GetByPhone(_ context.Context, phone string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		p := r.byID[id]
		if p.Phone != nil && *p.Phone == phone {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *InMemoryRepo) FindOrCreate(_ context.Context, f *fhir.PatientFields) (*Patient, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byExternal[f.ExternalID]; ok {
		p := r.byID[id]
		p.applyFields(f)
		p.UpdatedAt = time.Now()
		cp := *p
		return &cp, false, nil
	}

	now := time.Now()
	p := &Patient{
		ID:         r.nextID,
		ExternalID: f.ExternalID,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p.applyFields(f)
	r.nextID++
	r.byID[p.ID] = p
	r.byExternal[p.ExternalID] = p.ID
	r.order = append(r.order, p.ID)
	cp := *p
	return &cp, true, nil
}

func (r *InMemoryRepo) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := len(r.order)
	if offset >= total {
		return []*Patient{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	items := make([]*Patient, 0, end-offset)
	for _, id := range r.order[offset:end] {
		cp := *r.byID[id]
		items = append(items, &cp)
	}
	return items, total, nil
}
