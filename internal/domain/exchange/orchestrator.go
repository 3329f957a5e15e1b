package exchange

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/patient"
	"github.com/carelink/carelink/internal/platform/fhir"
	"github.com/carelink/carelink/internal/platform/metrics"
)

// Orchestrator builds outbound fetch/send requests, records the transaction,
// and interprets the gateway's immediate response. Whatever happens on the
// wire, a transaction row exists before control returns to the caller: a
// late webhook always has somewhere to land.
type Orchestrator struct {
	txns     TransactionRepository
	gateway  GatewayClient
	patients *patient.Service
	orgID    string
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewOrchestrator(txns TransactionRepository, gateway GatewayClient, patients *patient.Service, orgID string, logger zerolog.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		txns:     txns,
		gateway:  gateway,
		patients: patients,
		orgID:    orgID,
		logger:   logger,
		metrics:  m,
	}
}

// RequestFetch asks the gateway to retrieve the patient identified by
// externalKey from the given counterparty. The returned transaction is
// pending on acknowledgement or transport failure, failed on gateway
// rejection.
func (o *Orchestrator) RequestFetch(ctx context.Context, counterpartyID, externalKey string) (*Transaction, error) {
	key := NewIdempotencyKey()
	resp, err := o.gateway.Fetch(ctx, FetchRequest{
		RequesterID: o.orgID,
		TargetID:    counterpartyID,
		Identifiers: []fhir.Identifier{{System: fhir.SystemNationalID, Value: externalKey}},
	}, key)

	if err != nil {
		return o.recordOutboundFailure(ctx, KindFetch, counterpartyID, key, err)
	}

	txn := &Transaction{
		Kind:           KindFetch,
		Status:         StatusPending,
		CounterpartyID: counterpartyID,
		IdempotencyKey: &key,
	}
	if resp.ID != "" {
		txn.ID = resp.ID
	}
	if err := o.txns.Create(ctx, txn); err != nil {
		return nil, err
	}
	o.metrics.TransactionRecorded(string(KindFetch), string(StatusPending))
	o.logger.Info().Str("transaction_id", txn.ID).Str("counterparty_id", counterpartyID).Msg("fetch requested")
	return txn, nil
}

// RequestSend pushes a local patient record to the counterparty. The record
// is converted to its wire resource before transmission; a translation
// failure aborts before anything is sent or recorded.
func (o *Orchestrator) RequestSend(ctx context.Context, counterpartyID string, localPatientID int64) (*Transaction, error) {
	p, err := o.patients.GetPatient(ctx, localPatientID)
	if err != nil {
		return nil, err
	}
	res, err := p.ToResource()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}

	key := NewIdempotencyKey()
	resp, err := o.gateway.Push(ctx, PushRequest{
		SenderID:     o.orgID,
		TargetID:     counterpartyID,
		ResourceType: "Patient",
		Data:         data,
	}, key)

	if err != nil {
		return o.recordOutboundFailure(ctx, KindSend, counterpartyID, key, err)
	}

	txn := &Transaction{
		Kind:           KindSend,
		Status:         StatusPending,
		CounterpartyID: counterpartyID,
		IdempotencyKey: &key,
	}
	if resp.ID != "" {
		txn.ID = resp.ID
	}
	if err := o.txns.Create(ctx, txn); err != nil {
		return nil, err
	}
	o.metrics.TransactionRecorded(string(KindSend), string(StatusPending))
	o.logger.Info().Str("transaction_id", txn.ID).Int64("patient_id", localPatientID).Msg("send requested")
	return txn, nil
}

// recordOutboundFailure writes the transaction row for a call that did not
// come back with a success acknowledgement. A gateway rejection is recorded
// as failed and not treated as an error: the caller can tell "sent but
// rejected" from "never sent". A transport failure leaves the row pending,
// keyed by the idempotency key, and the error is surfaced.
func (o *Orchestrator) recordOutboundFailure(ctx context.Context, kind Kind, counterpartyID, key string, callErr error) (*Transaction, error) {
	txn := &Transaction{
		ID:             key,
		FallbackID:     true,
		Kind:           kind,
		CounterpartyID: counterpartyID,
		IdempotencyKey: &key,
	}

	var rejection *RejectionError
	if errors.As(callErr, &rejection) {
		detail := rejection.Detail
		txn.Status = StatusFailed
		txn.ErrorDetail = &detail
		if err := o.txns.Create(ctx, txn); err != nil {
			return nil, err
		}
		o.metrics.TransactionRecorded(string(kind), string(StatusFailed))
		o.logger.Warn().Str("transaction_id", txn.ID).Int("status_code", rejection.StatusCode).Msg("gateway rejected request")
		return txn, nil
	}

	txn.Status = StatusPending
	if err := o.txns.Create(ctx, txn); err != nil {
		return nil, err
	}
	o.metrics.TransactionRecorded(string(kind), string(StatusPending))
	o.logger.Error().Err(callErr).Str("transaction_id", txn.ID).Msg("gateway call failed, pending row recorded")
	return txn, callErr
}
