// Package saveexit stores saved-in-progress forms reachable through magic
// links: single-use retrieval gated by a security answer, TTL expiry, and
// the optimistic lock the expiry notifier coordinates on.
package saveexit

import (
	"context"
	"database/sql"
	"encoding/json"
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

// Insert writes a saved-progress record inside the consumer's transaction.
// A duplicate magic link id is the redelivery signal.
func (r *Repository) Insert(ctx context.Context, q database.Querier, rec *types.SaveAndExitRecord) error {
	const query = `
		insert into save_and_exit (magic_link_id, form_id, email, security_question,
		                           security_answer_hash, state, expire_at)
		values ($1, $2, $3, $4, $5, $6, $7)`

	_, err := q.ExecContext(ctx, query,
		rec.MagicLinkID, rec.FormID, rec.Email, rec.SecurityQuestion,
		rec.SecurityAnswerHash, []byte(rec.State), rec.ExpireAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("magic link %s already recorded: %w", rec.MagicLinkID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to insert save-and-exit record: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, magicLinkID string) (*types.SaveAndExitRecord, error) {
	const query = `
		select magic_link_id, form_id, email, security_question, security_answer_hash,
		       state, invalid_attempts, version, expire_lock_owner, expire_lock_at,
		       expire_email_sent_at, created_at, expire_at
		  from save_and_exit
		 where magic_link_id = $1`

	var rec types.SaveAndExitRecord
	var state []byte
	var lockOwner sql.NullString
	var lockAt, sentAt sql.NullTime
	err := r.db.DB().QueryRowContext(ctx, query, magicLinkID).Scan(
		&rec.MagicLinkID, &rec.FormID, &rec.Email, &rec.SecurityQuestion,
		&rec.SecurityAnswerHash, &state, &rec.InvalidAttempts, &rec.Version,
		&lockOwner, &lockAt, &sentAt, &rec.CreatedAt, &rec.ExpireAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("magic link %s: %w", magicLinkID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load save-and-exit record: %w", err)
	}
	rec.State = state
	rec.ExpireLockOwner = lockOwner.String
	if lockAt.Valid {
		rec.ExpireLockAt = &lockAt.Time
	}
	if sentAt.Valid {
		rec.ExpireEmailSentAt = &sentAt.Time
	}
	return &rec, nil
}

// FindExpiring returns notification candidates: records expiring inside
// [from, to), not yet notified, and either unlocked or holding a lock older
// than lockTimeout (a crashed locker's claim is reclaimable).
func (r *Repository) FindExpiring(ctx context.Context, from, to time.Time, lockTimeout time.Duration) ([]types.SaveAndExitRecord, error) {
	const query = `
		select magic_link_id, form_id, email, security_question, security_answer_hash,
		       state, invalid_attempts, version, expire_lock_owner, expire_lock_at,
		       expire_email_sent_at, created_at, expire_at
		  from save_and_exit
		 where expire_at >= $1
		   and expire_at < $2
		   and expire_email_sent_at is null
		   and (expire_lock_owner is null or expire_lock_at < $3)
		 order by expire_at`

	rows, err := r.db.DB().QueryContext(ctx, query, from, to, time.Now().Add(-lockTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring records: %w", err)
	}
	defer rows.Close()

	var out []types.SaveAndExitRecord
	for rows.Next() {
		var rec types.SaveAndExitRecord
		var state []byte
		var lockOwner sql.NullString
		var lockAt, sentAt sql.NullTime
		if err := rows.Scan(
			&rec.MagicLinkID, &rec.FormID, &rec.Email, &rec.SecurityQuestion,
			&rec.SecurityAnswerHash, &state, &rec.InvalidAttempts, &rec.Version,
			&lockOwner, &lockAt, &sentAt, &rec.CreatedAt, &rec.ExpireAt); err != nil {
			return nil, fmt.Errorf("failed to scan expiring record: %w", err)
		}
		rec.State = state
		rec.ExpireLockOwner = lockOwner.String
		if lockAt.Valid {
			rec.ExpireLockAt = &lockAt.Time
		}
		if sentAt.Valid {
			rec.ExpireEmailSentAt = &sentAt.Time
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read expiring records: %w", err)
	}
	return out, nil
}

// TryAcquireLock is the compare-and-set: claim the expiry lock and bump the
// version, conditioned on the version the caller just read. Zero rows
// matched means another instance won the race. The CAS result alone is not
// proof of ownership; callers re-read and verify.
func (r *Repository) TryAcquireLock(ctx context.Context, magicLinkID string, expectedVersion int, owner string) (bool, error) {
	const query = `
		update save_and_exit
		   set expire_lock_owner = $3,
		       expire_lock_at = now(),
		       version = version + 1
		 where magic_link_id = $1
		   and version = $2
		   and expire_email_sent_at is null`

	res, err := r.db.DB().ExecContext(ctx, query, magicLinkID, expectedVersion, owner)
	if err != nil {
		return false, fmt.Errorf("failed to acquire expiry lock for %s: %w", magicLinkID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result for %s: %w", magicLinkID, err)
	}
	return n == 1, nil
}

// MarkEmailSent records the notification so the record leaves every future
// candidate window. Set at most once per record.
func (r *Repository) MarkEmailSent(ctx context.Context, magicLinkID string, at time.Time) error {
	const query = `
		update save_and_exit
		   set expire_email_sent_at = $2
		 where magic_link_id = $1
		   and expire_email_sent_at is null`

	res, err := r.db.DB().ExecContext(ctx, query, magicLinkID, at)
	if err != nil {
		return fmt.Errorf("failed to mark email sent for %s: %w", magicLinkID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read mark result for %s: %w", magicLinkID, err)
	}
	if n == 0 {
		return fmt.Errorf("expiry email for %s already recorded: %w", magicLinkID, apperrors.ErrConflict)
	}
	return nil
}

// IncrementInvalidAttempts bumps the wrong-answer counter and returns the
// new total.
func (r *Repository) IncrementInvalidAttempts(ctx context.Context, magicLinkID string) (int, error) {
	const query = `
		update save_and_exit
		   set invalid_attempts = invalid_attempts + 1
		 where magic_link_id = $1
		returning invalid_attempts`

	var attempts int
	if err := r.db.DB().QueryRowContext(ctx, query, magicLinkID).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("magic link %s: %w", magicLinkID, apperrors.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to increment invalid attempts for %s: %w", magicLinkID, err)
	}
	return attempts, nil
}

// ConsumeState atomically deletes an unexpired record and returns its form
// state. Two racing retrievals cannot both succeed.
func (r *Repository) ConsumeState(ctx context.Context, magicLinkID string) (json.RawMessage, error) {
	const query = `
		delete from save_and_exit
		 where magic_link_id = $1
		   and expire_at > now()
		returning state`

	var state []byte
	if err := r.db.DB().QueryRowContext(ctx, query, magicLinkID).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("magic link %s: %w", magicLinkID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume save-and-exit state: %w", err)
	}
	return state, nil
}

// Delete removes a record outright, used when the attempt allowance is
// exhausted.
func (r *Repository) Delete(ctx context.Context, magicLinkID string) error {
	if _, err := r.db.DB().ExecContext(ctx,
		`delete from save_and_exit where magic_link_id = $1`, magicLinkID); err != nil {
		return fmt.Errorf("failed to delete save-and-exit record: %w", err)
	}
	return nil
}

// DeleteExpired removes rows past expiry. Called by the janitor; emulates
// the document-store TTL index.
func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.DB().ExecContext(ctx,
		`delete from save_and_exit where expire_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired save-and-exit records: %w", err)
	}
	return res.RowsAffected()
}
