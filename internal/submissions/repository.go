// Package submissions stores completed form submissions for reporting.
// The reference number carries the unique index that makes redelivered
// submission messages idempotent.
package submissions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
	"github.com/DEFRA/forms-submission-api-sub000/internal/database"
	"github.com/DEFRA/forms-submission-api-sub000/internal/types"
)

type Repository struct {
	db *database.Client
}

func NewRepository(db *database.Client) *Repository {
	return &Repository{db: db}
}

// Insert writes a submission record. Runs against the queryable the caller
// supplies so the consumer can persist inside its message transaction.
func (r *Repository) Insert(ctx context.Context, q database.Querier, rec *types.SubmissionRecord) error {
	const query = `
		insert into submissions (reference, form_id, form_version, meta, data, result,
		                         record_created_at, expire_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := q.ExecContext(ctx, query,
		rec.Reference, rec.FormID, rec.FormVersion,
		[]byte(rec.Meta), []byte(rec.Data), []byte(rec.Result),
		rec.RecordCreatedAt, rec.ExpireAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("submission %s already recorded: %w", rec.Reference, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

// GetByReference loads one submission. Rows past their retention expiry are
// treated as absent even if the janitor has not swept them yet.
func (r *Repository) GetByReference(ctx context.Context, reference string) (*types.SubmissionRecord, error) {
	const query = `
		select reference, form_id, form_version, meta, data, result, record_created_at, expire_at
		  from submissions
		 where reference = $1
		   and expire_at > now()`

	rec, err := scanSubmission(r.db.DB().QueryRowContext(ctx, query, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("submission %s: %w", reference, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	return rec, nil
}

// ListByForm pages through the submissions recorded for one form version,
// newest first.
func (r *Repository) ListByForm(ctx context.Context, formID, formVersion string, limit, offset int) ([]types.SubmissionRecord, error) {
	const query = `
		select reference, form_id, form_version, meta, data, result, record_created_at, expire_at
		  from submissions
		 where form_id = $1
		   and form_version = $2
		   and expire_at > now()
		 order by record_created_at desc
		 limit $3 offset $4`

	rows, err := r.db.DB().QueryContext(ctx, query, formID, formVersion, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var out []types.SubmissionRecord
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read submissions: %w", err)
	}
	return out, nil
}

// DeleteExpired removes rows past their retention expiry. Called by the
// janitor; emulates the document-store TTL index.
func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.DB().ExecContext(ctx,
		`delete from submissions where expire_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired submissions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*types.SubmissionRecord, error) {
	var rec types.SubmissionRecord
	var meta, data, result []byte
	if err := row.Scan(&rec.Reference, &rec.FormID, &rec.FormVersion,
		&meta, &data, &result, &rec.RecordCreatedAt, &rec.ExpireAt); err != nil {
		return nil, err
	}
	rec.Meta = meta
	rec.Data = data
	rec.Result = result
	return &rec, nil
}
