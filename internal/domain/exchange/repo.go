package exchange

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups that match no transaction row.
var ErrNotFound = errors.New("transaction not found")

// Defaults seeds the row an Upsert creates when the id is unknown.
type Defaults struct {
	CounterpartyID string
	IdempotencyKey *string
	FallbackID     bool
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	PatientID *int64
	Status    Status
	Kind      Kind
}

// TransactionRepository is the append-only store of exchange attempts. All
// writers go through the same atomic primitives; MarkCompleted and MarkFailed
// enforce the one-way transition here, not in callers.
type TransactionRepository interface {
	// Create inserts a new row. When txn.ID is empty a flagged local
	// placeholder is generated.
	Create(ctx context.Context, txn *Transaction) error
	GetByID(ctx context.Context, id string) (*Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	// Upsert atomically returns the row with the given id, creating a
	// pending one from defaults when absent. The bool reports creation.
	// This is the single synchronization point that keeps duplicate
	// webhook deliveries from double-processing.
	Upsert(ctx context.Context, id string, kind Kind, defaults Defaults) (*Transaction, bool, error)
	// MarkCompleted transitions a pending row to completed, attaching the
	// subject patient when given. Silent no-op on terminal rows.
	MarkCompleted(ctx context.Context, id string, patientID *int64) error
	// MarkFailed transitions a pending row to failed with the error text.
	// Silent no-op on terminal rows.
	MarkFailed(ctx context.Context, id string, errorDetail string) error
	// AdoptID rewrites a placeholder row's id in place once a webhook
	// reports the real gateway id for the same idempotency key.
	AdoptID(ctx context.Context, idempotencyKey, realID string) (*Transaction, error)
	List(ctx context.Context, filter ListFilter) ([]*Transaction, error)
}
