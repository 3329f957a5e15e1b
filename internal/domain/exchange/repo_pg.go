package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type txnRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &txnRepoPG{pool: pool}
}

const txnCols = `id, fallback_id, kind, status, subject_patient_id, counterparty_id,
	idempotency_key, error_detail, created_at, updated_at`

func scanTxn(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.FallbackID, &t.Kind, &t.Status, &t.SubjectPatientID,
		&t.CounterpartyID, &t.IdempotencyKey, &t.ErrorDetail, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &t, err
}

func (r *txnRepoPG) Create(ctx context.Context, txn *Transaction) error {
	if txn.ID == "" {
		txn.ID = NewFallbackID()
		txn.FallbackID = true
	}
	if txn.Status == "" {
		txn.Status = StatusPending
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO exchange_transaction (id, fallback_id, kind, status, subject_patient_id,
			counterparty_id, idempotency_key, error_detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		txn.ID, txn.FallbackID, txn.Kind, txn.Status, txn.SubjectPatientID,
		txn.CounterpartyID, txn.IdempotencyKey, txn.ErrorDetail)
	return row.Scan(&txn.CreatedAt, &txn.UpdatedAt)
}

func (r *txnRepoPG) GetByID(ctx context.Context, id string) (*Transaction, error) {
	return scanTxn(r.pool.QueryRow(ctx, `SELECT `+txnCols+` FROM exchange_transaction WHERE id = $1`, id))
}

func (r *txnRepoPG) GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	return scanTxn(r.pool.QueryRow(ctx,
		`SELECT `+txnCols+` FROM exchange_transaction WHERE idempotency_key = $1 ORDER BY created_at DESC LIMIT 1`, key))
}

// Upsert leans on the primary key: the no-op DO UPDATE makes the statement
// return the surviving row either way, and xmax = 0 reports whether this
// call inserted it.
func (r *txnRepoPG) Upsert(ctx context.Context, id string, kind Kind, defaults Defaults) (*Transaction, bool, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO exchange_transaction (id, fallback_id, kind, status, counterparty_id, idempotency_key)
		VALUES ($1,$2,$3,'pending',$4,$5)
		ON CONFLICT (id) DO UPDATE SET id = exchange_transaction.id
		RETURNING `+txnCols+`, (xmax = 0) AS created`,
		id, defaults.FallbackID, kind, defaults.CounterpartyID, defaults.IdempotencyKey)

	var t Transaction
	var created bool
	err := row.Scan(&t.ID, &t.FallbackID, &t.Kind, &t.Status, &t.SubjectPatientID,
		&t.CounterpartyID, &t.IdempotencyKey, &t.ErrorDetail, &t.CreatedAt, &t.UpdatedAt, &created)
	if err != nil {
		return nil, false, err
	}
	return &t, created, nil
}

// MarkCompleted and MarkFailed guard on status = 'pending' so a transition
// raced against another writer, or repeated for a terminal row, updates
// nothing.
func (r *txnRepoPG) MarkCompleted(ctx context.Context, id string, patientID *int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE exchange_transaction
		SET status = 'completed', subject_patient_id = COALESCE($2, subject_patient_id), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, patientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

func (r *txnRepoPG) MarkFailed(ctx context.Context, id string, errorDetail string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE exchange_transaction
		SET status = 'failed', error_detail = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, errorDetail)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

// ensureExists distinguishes "already terminal" (a silent no-op) from
// "no such row".
func (r *txnRepoPG) ensureExists(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM exchange_transaction WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (r *txnRepoPG) AdoptID(ctx context.Context, idempotencyKey, realID string) (*Transaction, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE exchange_transaction
		SET id = $2, fallback_id = FALSE, updated_at = NOW()
		WHERE idempotency_key = $1 AND fallback_id
		RETURNING `+txnCols, idempotencyKey, realID)
	txn, err := scanTxn(row)
	if errors.Is(err, ErrNotFound) {
		// Already adopted, or the row was created with the real id.
		return r.GetByIdempotencyKey(ctx, idempotencyKey)
	}
	return txn, err
}

func (r *txnRepoPG) List(ctx context.Context, filter ListFilter) ([]*Transaction, error) {
	query := `SELECT ` + txnCols + ` FROM exchange_transaction WHERE 1=1`
	var args []interface{}
	if filter.PatientID != nil {
		args = append(args, *filter.PatientID)
		query += fmt.Sprintf(` AND subject_patient_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	query += ` ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}
