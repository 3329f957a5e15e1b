// Package exchange implements the asynchronous transaction-and-webhook
// orchestration between the local registry and the interoperability gateway:
// outbound fetch/send requests, idempotent webhook ingestion, patient
// materialization, inbound query answering, and client-side status polling.
package exchange

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies which leg of the exchange protocol a transaction records.
type Kind string

const (
	KindFetch        Kind = "fetch"
	KindSend         Kind = "send"
	KindReceivePush  Kind = "receive_push"
	KindReceiveQuery Kind = "receive_query"
)

// Status is the transaction state. Transitions are one-way: pending may move
// to completed or failed, terminal rows never change again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Transaction is the durable record of one exchange attempt. Rows are never
// deleted; retries create new rows and the old ones remain as audit trail.
type Transaction struct {
	// ID is gateway-issued when available. When the gateway never reported
	// one (timeout, network failure) a locally generated placeholder is
	// used and FallbackID is set.
	ID               string    `db:"id" json:"id"`
	FallbackID       bool      `db:"fallback_id" json:"fallback_id"`
	Kind             Kind      `db:"kind" json:"kind"`
	Status           Status    `db:"status" json:"status"`
	SubjectPatientID *int64    `db:"subject_patient_id" json:"subject_patient_id,omitempty"`
	CounterpartyID   string    `db:"counterparty_id" json:"counterparty_id"`
	IdempotencyKey   *string   `db:"idempotency_key" json:"idempotency_key,omitempty"`
	ErrorDetail      *string   `db:"error_detail" json:"error_detail,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the transaction has reached completed or failed.
func (t *Transaction) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// NewFallbackID generates a locally-unique placeholder transaction id for
// attempts where the gateway never reported one.
func NewFallbackID() string {
	return "local-" + uuid.NewString()
}

// NewIdempotencyKey generates the client-side correlation token attached to
// every locally-initiated attempt.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
