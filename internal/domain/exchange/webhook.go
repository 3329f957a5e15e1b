package exchange

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/patient"
	"github.com/carelink/carelink/internal/platform/fault"
	"github.com/carelink/carelink/internal/platform/fhir"
	"github.com/carelink/carelink/internal/platform/metrics"
)

// ResultsCallback is the gateway's answer to one of our earlier fetches.
type ResultsCallback struct {
	TransactionID  string          `json:"transactionId"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Status         string          `json:"status"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// PushCallback delivers a record another provider sent to us.
type PushCallback struct {
	TransactionID string          `json:"transactionId"`
	SenderID      string          `json:"senderId"`
	ResourceType  string          `json:"resourceType"`
	Data          json.RawMessage `json:"data"`
}

// PushResult is the response body for a processed push callback.
type PushResult struct {
	TransactionID string `json:"transactionId"`
	PatientID     int64  `json:"patientId"`
	Created       bool   `json:"created"`
}

// WebhookProcessor applies inbound gateway callbacks to local state. All
// mutations go through the repository's atomic upsert and one-way
// transitions, so duplicate and reordered deliveries are harmless.
type WebhookProcessor struct {
	txns     TransactionRepository
	patients *patient.Service
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewWebhookProcessor(txns TransactionRepository, patients *patient.Service, logger zerolog.Logger, m *metrics.Metrics) *WebhookProcessor {
	return &WebhookProcessor{txns: txns, patients: patients, logger: logger, metrics: m}
}

// HandleResults processes a query-result callback for an earlier fetch. On
// success the returned record is durably materialized as a patient before
// the transaction is completed; a transaction claiming success for a patient
// that was never persisted would be lying.
func (w *WebhookProcessor) HandleResults(ctx context.Context, cb ResultsCallback) (*Transaction, error) {
	if cb.TransactionID == "" {
		return nil, fault.New(fault.KindValidation, "transactionId is required")
	}

	txn, err := w.locateTransaction(ctx, cb)
	if err != nil {
		return nil, err
	}

	if cb.Status != "success" {
		detail := cb.Error
		if detail == "" {
			detail = "gateway reported failure without detail"
		}
		if err := w.txns.MarkFailed(ctx, txn.ID, detail); err != nil {
			return nil, err
		}
		w.metrics.CallbackProcessed("results", "failed")
		w.logger.Info().Str("transaction_id", txn.ID).Str("detail", detail).Msg("fetch failed at remote")
		return w.txns.GetByID(ctx, txn.ID)
	}

	fields, err := fhir.ParsePatientResource(cb.Data)
	if err != nil {
		if markErr := w.txns.MarkFailed(ctx, txn.ID, err.Error()); markErr != nil {
			return nil, markErr
		}
		w.metrics.CallbackProcessed("results", "translation_error")
		return nil, err
	}

	p, created, err := w.patients.Materialize(ctx, fields)
	if err != nil {
		// Not a translation problem: record the fault on the transaction
		// and propagate so the infrastructure failure stays visible.
		if markErr := w.txns.MarkFailed(ctx, txn.ID, err.Error()); markErr != nil {
			w.logger.Error().Err(markErr).Str("transaction_id", txn.ID).Msg("failed to record materialization fault")
		}
		w.metrics.CallbackProcessed("results", "error")
		return nil, err
	}

	if err := w.txns.MarkCompleted(ctx, txn.ID, &p.ID); err != nil {
		return nil, err
	}
	w.metrics.CallbackProcessed("results", "completed")
	w.logger.Info().
		Str("transaction_id", txn.ID).
		Int64("patient_id", p.ID).
		Bool("patient_created", created).
		Msg("fetch result materialized")
	return w.txns.GetByID(ctx, txn.ID)
}

// locateTransaction finds the row a results callback refers to: by id first,
// then by idempotency key (adopting the real id onto a placeholder row), and
// as a last resort by upserting a new row so the update is not lost.
func (w *WebhookProcessor) locateTransaction(ctx context.Context, cb ResultsCallback) (*Transaction, error) {
	txn, err := w.txns.GetByID(ctx, cb.TransactionID)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if cb.IdempotencyKey != "" {
		txn, err = w.txns.AdoptID(ctx, cb.IdempotencyKey, cb.TransactionID)
		if err == nil {
			w.logger.Info().
				Str("idempotency_key", cb.IdempotencyKey).
				Str("transaction_id", txn.ID).
				Msg("placeholder transaction reconciled with gateway id")
			return txn, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	w.logger.Warn().Str("transaction_id", cb.TransactionID).Msg("results callback for unknown transaction, recording anyway")
	var key *string
	if cb.IdempotencyKey != "" {
		key = &cb.IdempotencyKey
	}
	txn, _, err = w.txns.Upsert(ctx, cb.TransactionID, KindFetch, Defaults{IdempotencyKey: key})
	return txn, err
}

// HandlePush processes a record another provider pushed to us. The external
// identifier is the only safe dedup key, so its absence rejects the delivery
// before anything is persisted.
func (w *WebhookProcessor) HandlePush(ctx context.Context, cb PushCallback) (*PushResult, error) {
	if cb.TransactionID == "" {
		return nil, fault.New(fault.KindValidation, "transactionId is required")
	}
	if !pushCarriesExternalID(cb.Data) {
		w.metrics.CallbackProcessed("push", "rejected")
		return nil, fault.New(fault.KindValidation, "push payload carries no external identifier")
	}

	fields, err := fhir.ParsePatientResource(cb.Data)
	if err != nil {
		// The payload is correlatable but untranslatable: record the
		// delivery and mark it failed.
		txn, _, upErr := w.txns.Upsert(ctx, cb.TransactionID, KindReceivePush, Defaults{CounterpartyID: cb.SenderID})
		if upErr != nil {
			return nil, upErr
		}
		if markErr := w.txns.MarkFailed(ctx, txn.ID, err.Error()); markErr != nil {
			return nil, markErr
		}
		w.metrics.CallbackProcessed("push", "translation_error")
		return nil, err
	}

	p, created, err := w.patients.Materialize(ctx, fields)
	if err != nil {
		return nil, err
	}

	txn, txnCreated, err := w.txns.Upsert(ctx, cb.TransactionID, KindReceivePush, Defaults{CounterpartyID: cb.SenderID})
	if err != nil {
		return nil, err
	}
	if err := w.txns.MarkCompleted(ctx, txn.ID, &p.ID); err != nil {
		return nil, err
	}
	if txnCreated {
		w.metrics.TransactionRecorded(string(KindReceivePush), string(StatusCompleted))
	}
	w.metrics.CallbackProcessed("push", "completed")
	w.logger.Info().
		Str("transaction_id", txn.ID).
		Str("sender_id", cb.SenderID).
		Int64("patient_id", p.ID).
		Bool("patient_created", created).
		Bool("duplicate_delivery", !txnCreated).
		Msg("push delivery processed")

	return &PushResult{TransactionID: txn.ID, PatientID: p.ID, Created: created}, nil
}

// pushCarriesExternalID checks for the national identifier without running
// the full translation, so a missing dedup key is a validation rejection
// rather than a translation failure.
func pushCarriesExternalID(data json.RawMessage) bool {
	var res struct {
		Identifier []fhir.Identifier `json:"identifier"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return false
	}
	for _, id := range res.Identifier {
		if id.System == fhir.SystemNationalID && id.Value != "" {
			return true
		}
	}
	return false
}
