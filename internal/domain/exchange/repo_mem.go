package exchange

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepo is a thread-safe, in-memory TransactionRepository used by
// tests and sandbox mode. Every mutation holds the write lock for the whole
// operation, matching the atomicity the SQL implementation gets from
// single-statement upserts.
type InMemoryRepo struct {
	mu    sync.RWMutex
	rows  map[string]*Transaction
	byKey map[string]string
	order []string
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		rows:  make(map[string]*Transaction),
		byKey: make(map[string]string),
	}
}

func (r *InMemoryRepo) Create(_ context.Context, txn *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if txn.ID == "" {
		txn.ID = NewFallbackID()
		txn.FallbackID = true
	}
	if txn.Status == "" {
		txn.Status = StatusPending
	}
	now := time.Now()
	txn.CreatedAt = now
	txn.UpdatedAt = now
	cp := *txn
	r.rows[cp.ID] = &cp
	r.order = append(r.order, cp.ID)
	if cp.IdempotencyKey != nil {
		r.byKey[*cp.IdempotencyKey] = cp.ID
	}
	return nil
}

func (r *InMemoryRepo) GetByID(_ context.Context, id string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	txn, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (r *InMemoryRepo) GetByIdempotencyKey(_ context.Context, key string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.rows[id]
	return &cp, nil
}

func (r *InMemoryRepo) Upsert(_ context.Context, id string, kind Kind, defaults Defaults) (*Transaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if txn, ok := r.rows[id]; ok {
		cp := *txn
		return &cp, false, nil
	}
	now := time.Now()
	txn := &Transaction{
		ID:             id,
		FallbackID:     defaults.FallbackID,
		Kind:           kind,
		Status:         StatusPending,
		CounterpartyID: defaults.CounterpartyID,
		IdempotencyKey: defaults.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.rows[id] = txn
	r.order = append(r.order, id)
	if txn.IdempotencyKey != nil {
		r.byKey[*txn.IdempotencyKey] = id
	}
	cp := *txn
	return &cp, true, nil
}

func (r *InMemoryRepo) MarkCompleted(_ context.Context, id string, patientID *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	if txn.Terminal() {
		return nil
	}
	txn.Status = StatusCompleted
	if patientID != nil {
		txn.SubjectPatientID = patientID
	}
	txn.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryRepo) MarkFailed(_ context.Context, id string, errorDetail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	if txn.Terminal() {
		return nil
	}
	txn.Status = StatusFailed
	txn.ErrorDetail = &errorDetail
	txn.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryRepo) AdoptID(_ context.Context, idempotencyKey, realID string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	txn := r.rows[id]
	if !txn.FallbackID || txn.ID == realID {
		cp := *txn
		return &cp, nil
	}
	delete(r.rows, txn.ID)
	for i, oid := range r.order {
		if oid == txn.ID {
			r.order[i] = realID
			break
		}
	}
	txn.ID = realID
	txn.FallbackID = false
	txn.UpdatedAt = time.Now()
	r.rows[realID] = txn
	r.byKey[idempotencyKey] = realID
	cp := *txn
	return &cp, nil
}

func (r *InMemoryRepo) List(_ context.Context, filter ListFilter) ([]*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var items []*Transaction
	for _, id := range r.order {
		txn := r.rows[id]
		if filter.PatientID != nil {
			if txn.SubjectPatientID == nil || *txn.SubjectPatientID != *filter.PatientID {
				continue
			}
		}
		if filter.Status != "" && txn.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && txn.Kind != filter.Kind {
			continue
		}
		cp := *txn
		items = append(items, &cp)
	}
	return items, nil
}
