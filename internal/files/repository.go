// Package files owns the file lifecycle: a file record's pointer always
// matches an existing object, except during the in-flight window of a
// persist operation, which fails closed.
package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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

// Insert persists a new file record. A duplicate file id is a Conflict:
// duplicate ingestion is rejected, not silently accepted.
func (r *Repository) Insert(ctx context.Context, rec *types.FileRecord) error {
	const query = `
		insert into files (file_id, filename, content_type, bucket, object_key,
		                   retrieval_key_hash, retrieval_key_case_sensitive, form_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`

	formID := sql.NullString{String: rec.FormID, Valid: rec.FormID != ""}
	_, err := r.db.DB().ExecContext(ctx, query,
		rec.FileID, rec.Filename, rec.ContentType, rec.Bucket, rec.ObjectKey,
		rec.RetrievalKeyHash, rec.RetrievalKeyCaseSensitive, formID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("file %s already ingested: %w", rec.FileID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to insert file record: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, fileID string) (*types.FileRecord, error) {
	const query = `
		select file_id, filename, content_type, bucket, object_key,
		       retrieval_key_hash, retrieval_key_case_sensitive, form_id, created_at
		  from files
		 where file_id = $1`

	var rec types.FileRecord
	var formID sql.NullString
	err := r.db.DB().QueryRowContext(ctx, query, fileID).Scan(
		&rec.FileID, &rec.Filename, &rec.ContentType, &rec.Bucket, &rec.ObjectKey,
		&rec.RetrievalKeyHash, &rec.RetrievalKeyCaseSensitive, &formID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("file %s: %w", fileID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load file record: %w", err)
	}
	rec.FormID = formID.String
	return &rec, nil
}

// PointerUpdate rotates one record's object key and retrieval key hash.
type PointerUpdate struct {
	FileID           string
	ObjectKey        string
	RetrievalKeyHash string
}

// UpdatePointers applies every pointer rotation in a single transaction.
// The batch is all-or-nothing at the database boundary.
func (r *Repository) UpdatePointers(ctx context.Context, updates []PointerUpdate) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		const query = `
			update files
			   set object_key = $2, retrieval_key_hash = $3
			 where file_id = $1`

		for _, u := range updates {
			res, err := tx.ExecContext(ctx, query, u.FileID, u.ObjectKey, u.RetrievalKeyHash)
			if err != nil {
				return fmt.Errorf("failed to update pointer for %s: %w", u.FileID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read update result for %s: %w", u.FileID, err)
			}
			if n == 0 {
				return fmt.Errorf("file %s: %w", u.FileID, apperrors.ErrNotFound)
			}
		}
		return nil
	})
}
