package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/patient"
	"github.com/carelink/carelink/internal/platform/fault"
	"github.com/carelink/carelink/internal/platform/fhir"
	"github.com/carelink/carelink/internal/platform/metrics"
)

// QueryRequest is an inbound lookup from the gateway on behalf of another
// provider. The answer goes to CallbackURL, not the request's response.
type QueryRequest struct {
	TransactionID string            `json:"transactionId"`
	Identifiers   []fhir.Identifier `json:"identifiers"`
	CallbackURL   string            `json:"callbackUrl"`
}

// QueryResult is the payload delivered to the caller-supplied callback URL.
type QueryResult struct {
	TransactionID string                `json:"transactionId"`
	Status        string                `json:"status"` // "success" or "rejected"
	Data          *fhir.PatientResource `json:"data,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// DeliveryAttempt records one callback POST for the delivery log.
type DeliveryAttempt struct {
	TransactionID string        `json:"transaction_id"`
	URL           string        `json:"url"`
	Attempt       int           `json:"attempt"`
	StatusCode    int           `json:"status_code"`
	Duration      time.Duration `json:"duration_ns"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// QueryResponder answers inbound lookups and delivers the result to the
// caller's callback URL with bounded retries. A single fire-and-forget POST
// is not enough: the delivery runs an attempt/backoff/give-up loop and an
// exhausted loop is logged, never propagated to the inbound request.
type QueryResponder struct {
	txns          TransactionRepository
	patients      *patient.Service
	httpClient    *http.Client
	signingSecret string
	backoff       []time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

// defaultBackoff spaces the retry attempts; len+1 is the attempt ceiling.
var defaultBackoff = []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second}

func NewQueryResponder(txns TransactionRepository, patients *patient.Service, signingSecret string, logger zerolog.Logger, m *metrics.Metrics) *QueryResponder {
	return &QueryResponder{
		txns:          txns,
		patients:      patients,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		signingSecret: signingSecret,
		backoff:       defaultBackoff,
		logger:        logger,
		metrics:       m,
	}
}

// SetHTTPClient overrides the delivery client, for tests.
func (q *QueryResponder) SetHTTPClient(c *http.Client) { q.httpClient = c }

// SetBackoff overrides the retry schedule, for tests.
func (q *QueryResponder) SetBackoff(b []time.Duration) { q.backoff = b }

// Answer resolves the lookup against the local registry and delivers the
// result. The error return covers only the resolution leg; delivery
// problems are handled internally.
func (q *QueryResponder) Answer(ctx context.Context, req QueryRequest) error {
	if req.TransactionID == "" {
		return fault.New(fault.KindValidation, "transactionId is required")
	}
	if req.CallbackURL == "" {
		return fault.New(fault.KindValidation, "callbackUrl is required")
	}

	txn, _, err := q.txns.Upsert(ctx, req.TransactionID, KindReceiveQuery, Defaults{})
	if err != nil {
		return err
	}

	result := q.resolve(ctx, req)
	if err := q.deliver(ctx, req.CallbackURL, result); err != nil {
		q.logger.Error().Err(err).
			Str("transaction_id", txn.ID).
			Str("callback_url", req.CallbackURL).
			Msg("query result undeliverable, retries exhausted")
		if markErr := q.txns.MarkFailed(ctx, txn.ID, "callback undeliverable: "+err.Error()); markErr != nil {
			q.logger.Error().Err(markErr).Str("transaction_id", txn.ID).Msg("failed to record undeliverable callback")
		}
		return nil
	}
	return q.txns.MarkCompleted(ctx, txn.ID, nil)
}

// resolve searches the registry in fixed identifier priority order and
// builds a success-or-rejected result.
func (q *QueryResponder) resolve(ctx context.Context, req QueryRequest) QueryResult {
	p, err := q.patients.LookupByIdentifiers(ctx, req.Identifiers)
	if err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			return QueryResult{TransactionID: req.TransactionID, Status: "rejected", Error: "no matching patient"}
		}
		return QueryResult{TransactionID: req.TransactionID, Status: "rejected", Error: err.Error()}
	}
	res, err := p.ToResource()
	if err != nil {
		return QueryResult{TransactionID: req.TransactionID, Status: "rejected", Error: err.Error()}
	}
	return QueryResult{TransactionID: req.TransactionID, Status: "success", Data: res}
}

// deliver runs the attempt/backoff/give-up loop. All attempts share one
// idempotency key so the receiver can dedup retransmissions.
func (q *QueryResponder) deliver(ctx context.Context, callbackURL string, result QueryResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	idempotencyKey := NewIdempotencyKey()
	maxAttempts := len(q.backoff) + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec := q.post(ctx, callbackURL, payload, idempotencyKey, attempt)
		rec.TransactionID = result.TransactionID
		if rec.Error == "" {
			q.logger.Info().
				Str("transaction_id", result.TransactionID).
				Int("attempt", attempt).
				Msg("query result delivered")
			return nil
		}
		lastErr = errors.New(rec.Error)
		q.logger.Warn().
			Str("transaction_id", result.TransactionID).
			Int("attempt", attempt).
			Str("error", rec.Error).
			Msg("callback delivery attempt failed")

		if attempt == maxAttempts {
			break
		}
		q.metrics.CallbackRetried()
		select {
		case <-time.After(q.backoff[attempt-1]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxAttempts, lastErr)
}

func (q *QueryResponder) post(ctx context.Context, url string, payload []byte, idempotencyKey string, attempt int) DeliveryAttempt {
	rec := DeliveryAttempt{URL: url, Attempt: attempt, CreatedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if q.signingSecret != "" {
		req.Header.Set("X-Callback-Signature", "sha256="+SignPayload(payload, q.signingSecret))
	}

	start := time.Now()
	resp, err := q.httpClient.Do(req)
	rec.Duration = time.Since(start)
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	rec.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rec.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return rec
}
