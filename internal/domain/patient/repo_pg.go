package patient

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/carelink/internal/platform/fhir"
)

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, external_id, mrn, name_family, name_given, gender, birth_date,
	phone, active, created_at, updated_at`

func scanRow(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.ExternalID, &p.MRN, &p.NameFamily, &p.NameGiven, &p.Gender,
		&p.BirthDate, &p.Phone, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id int64) (*Patient, error) {
	return scanRow(r.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByExternalID(ctx context.Context, externalID string) (*Patient, error) {
	return scanRow(r.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE external_id = $1`, externalID))
}

func (r *patientRepoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return scanRow(r.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE mrn = $1`, mrn))
}

func (r *patientRepoPG) GetByPhone(ctx context.Context, phone string) (*Patient, error) {
	return scanRow(r.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE phone = $1 ORDER BY created_at LIMIT 1`, phone))
}

// FindOrCreate relies on the unique index on external_id: the ON CONFLICT
// merge applies only non-null incoming values, and xmax = 0 distinguishes a
// freshly inserted row from a merged one.
func (r *patientRepoPG) FindOrCreate(ctx context.Context, f *fhir.PatientFields) (*Patient, bool, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO patient (external_id, mrn, name_family, name_given, gender, birth_date, phone)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (external_id) DO UPDATE SET
			mrn         = COALESCE(EXCLUDED.mrn, patient.mrn),
			name_family = COALESCE(EXCLUDED.name_family, patient.name_family),
			name_given  = COALESCE(EXCLUDED.name_given, patient.name_given),
			gender      = COALESCE(EXCLUDED.gender, patient.gender),
			birth_date  = COALESCE(EXCLUDED.birth_date, patient.birth_date),
			phone       = COALESCE(EXCLUDED.phone, patient.phone),
			updated_at  = NOW()
		RETURNING `+patientCols+`, (xmax = 0) AS created`,
		f.ExternalID, f.MRN, f.NameFamily, f.NameGiven, f.Gender, f.BirthDate, f.Phone)

	var p Patient
	var created bool
	err := row.Scan(&p.ID, &p.ExternalID, &p.MRN, &p.NameFamily, &p.NameGiven, &p.Gender,
		&p.BirthDate, &p.Phone, &p.Active, &p.CreatedAt, &p.UpdatedAt, &created)
	if err != nil {
		return nil, false, err
	}
	return &p, created, nil
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+patientCols+` FROM patient ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
