package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/patient"
	"github.com/carelink/carelink/internal/platform/metrics"
)

// TransactionStatus is the read-model a poll loop consumes.
type TransactionStatus struct {
	ID          string  `json:"id"`
	Status      Status  `json:"status"`
	PatientID   *int64  `json:"patientId,omitempty"`
	ErrorDetail *string `json:"error,omitempty"`
}

// StatusReader reads the current status of a transaction. The repository
// and the HTTP read surface both satisfy it.
type StatusReader interface {
	ReadStatus(ctx context.Context, transactionID string) (*TransactionStatus, error)
}

// RepoStatusReader adapts a TransactionRepository to StatusReader.
type RepoStatusReader struct {
	Txns TransactionRepository
}

func (r RepoStatusReader) ReadStatus(ctx context.Context, transactionID string) (*TransactionStatus, error) {
	txn, err := r.Txns.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return &TransactionStatus{
		ID:          txn.ID,
		Status:      txn.Status,
		PatientID:   txn.SubjectPatientID,
		ErrorDetail: txn.ErrorDetail,
	}, nil
}

// HTTPStatusReader polls GET {baseURL}/transactions/{id}.
type HTTPStatusReader struct {
	BaseURL string
	Client  *http.Client
}

func (r HTTPStatusReader) ReadStatus(ctx context.Context, transactionID string) (*TransactionStatus, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/transactions/"+transactionID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status read returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	var st TransactionStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Outcome is the terminal result of a poll loop. Timed-out is deliberately
// distinct from failed: one means "no answer yet", the other carries a
// reason from the remote side.
type Outcome int

const (
	OutcomeCompleted Outcome = iota + 1
	OutcomeFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// PollResult is what a finished poll loop surfaces.
type PollResult struct {
	Outcome     Outcome
	Patient     *patient.Patient
	ErrorDetail string
	Attempts    int
}

// ErrPollInFlight is returned when a poll loop is already running for the
// transaction id.
var ErrPollInFlight = errors.New("poll already in flight for transaction")

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultPollMaxAttempts = 20
)

// Poller runs the client-side status loop after an outbound request. It is
// single-flow per transaction: a second concurrent Poll for the same id is
// refused, and cancellation releases the ticker deterministically.
type Poller struct {
	reader      StatusReader
	patients    *patient.Service
	interval    time.Duration
	maxAttempts int
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewPoller(reader StatusReader, patients *patient.Service, interval time.Duration, maxAttempts int, logger zerolog.Logger, m *metrics.Metrics) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	return &Poller{
		reader:      reader,
		patients:    patients,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger,
		metrics:     m,
		inflight:    make(map[string]struct{}),
	}
}

// Poll reads the transaction status at the configured interval until it
// turns terminal or the attempt ceiling is reached. The context cancels the
// loop without leaking the ticker.
func (p *Poller) Poll(ctx context.Context, transactionID string) (*PollResult, error) {
	p.mu.Lock()
	if _, busy := p.inflight[transactionID]; busy {
		p.mu.Unlock()
		return nil, ErrPollInFlight
	}
	p.inflight[transactionID] = struct{}{}
	p.mu.Unlock()
	p.metrics.PollStarted()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, transactionID)
		p.mu.Unlock()
		p.metrics.PollFinished()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		st, err := p.reader.ReadStatus(ctx, transactionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		if err == nil {
			switch st.Status {
			case StatusCompleted:
				result := &PollResult{Outcome: OutcomeCompleted, Attempts: attempt}
				if st.PatientID != nil && p.patients != nil {
					pat, perr := p.patients.GetPatient(ctx, *st.PatientID)
					if perr != nil {
						return nil, perr
					}
					result.Patient = pat
				}
				return result, nil
			case StatusFailed:
				detail := ""
				if st.ErrorDetail != nil {
					detail = *st.ErrorDetail
				}
				return &PollResult{Outcome: OutcomeFailed, ErrorDetail: detail, Attempts: attempt}, nil
			}
		}

		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.logger.Warn().
		Str("transaction_id", transactionID).
		Int("attempts", p.maxAttempts).
		Msg("poll ceiling reached without terminal status")
	return &PollResult{Outcome: OutcomeTimedOut, Attempts: p.maxAttempts}, nil
}
