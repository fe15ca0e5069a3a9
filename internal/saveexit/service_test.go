package saveexit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
	"github.com/DEFRA/forms-submission-api-sub000/internal/keyhash"
	"github.com/DEFRA/forms-submission-api-sub000/internal/types"
)

type fakeStore struct {
	records map[string]*types.SaveAndExitRecord
}

func newFakeStore(records ...*types.SaveAndExitRecord) *fakeStore {
	s := &fakeStore{records: map[string]*types.SaveAndExitRecord{}}
	for _, rec := range records {
		s.records[rec.MagicLinkID] = rec
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, magicLinkID string) (*types.SaveAndExitRecord, error) {
	rec, ok := s.records[magicLinkID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", magicLinkID, apperrors.ErrNotFound)
	}
	clone := *rec
	return &clone, nil
}

func (s *fakeStore) IncrementInvalidAttempts(_ context.Context, magicLinkID string) (int, error) {
	rec, ok := s.records[magicLinkID]
	if !ok {
		return 0, fmt.Errorf("record %s: %w", magicLinkID, apperrors.ErrNotFound)
	}
	rec.InvalidAttempts++
	return rec.InvalidAttempts, nil
}

func (s *fakeStore) ConsumeState(_ context.Context, magicLinkID string) (json.RawMessage, error) {
	rec, ok := s.records[magicLinkID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", magicLinkID, apperrors.ErrNotFound)
	}
	delete(s.records, magicLinkID)
	return rec.State, nil
}

func (s *fakeStore) Delete(_ context.Context, magicLinkID string) error {
	delete(s.records, magicLinkID)
	return nil
}

func seedRecord(t *testing.T, expireAt time.Time) *types.SaveAndExitRecord {
	t.Helper()
	hash, err := keyhash.Hash("navy blue", false)
	require.NoError(t, err)
	return &types.SaveAndExitRecord{
		MagicLinkID:        "link-1",
		FormID:             "form-1",
		Email:              "someone@example.com",
		SecurityQuestion:   "What is your favourite colour?",
		SecurityAnswerHash: hash,
		State:              json.RawMessage(`{"page": 3}`),
		ExpireAt:           expireAt,
	}
}

func TestValidateLink(t *testing.T) {
	now := time.Now()
	store := newFakeStore(seedRecord(t, now.Add(24*time.Hour)))
	svc := NewService(store, func() time.Time { return now })

	info, err := svc.ValidateLink(context.Background(), "link-1")
	require.NoError(t, err)
	assert.Equal(t, "form-1", info.FormID)
	assert.Equal(t, "What is your favourite colour?", info.SecurityQuestion)
}

func TestValidateLinkExpired(t *testing.T) {
	now := time.Now()
	store := newFakeStore(seedRecord(t, now.Add(-time.Minute)))
	svc := NewService(store, func() time.Time { return now })

	_, err := svc.ValidateLink(context.Background(), "link-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestValidateLinkUnknown(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	_, err := svc.ValidateLink(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRetrieveStateIsSingleUse(t *testing.T) {
	now := time.Now()
	store := newFakeStore(seedRecord(t, now.Add(24*time.Hour)))
	svc := NewService(store, func() time.Time { return now })

	state, err := svc.RetrieveState(context.Background(), "link-1", "Navy Blue")
	require.NoError(t, err)
	assert.JSONEq(t, `{"page": 3}`, string(state))

	// Consumed on success; a second retrieval finds nothing.
	_, err = svc.RetrieveState(context.Background(), "link-1", "Navy Blue")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRetrieveStateWrongAnswer(t *testing.T) {
	now := time.Now()
	store := newFakeStore(seedRecord(t, now.Add(24*time.Hour)))
	svc := NewService(store, func() time.Time { return now })

	_, err := svc.RetrieveState(context.Background(), "link-1", "crimson")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.Equal(t, 1, store.records["link-1"].InvalidAttempts)

	// A correct answer after a miss still works.
	state, err := svc.RetrieveState(context.Background(), "link-1", "navy blue")
	require.NoError(t, err)
	assert.JSONEq(t, `{"page": 3}`, string(state))
}

func TestRetrieveStateExhaustedAttemptsDestroysRecord(t *testing.T) {
	now := time.Now()
	store := newFakeStore(seedRecord(t, now.Add(24*time.Hour)))
	svc := NewService(store, func() time.Time { return now })

	for i := 0; i < maxInvalidAttempts; i++ {
		_, err := svc.RetrieveState(context.Background(), "link-1", "wrong")
		assert.ErrorIs(t, err, apperrors.ErrForbidden)
	}

	// The record is gone; even the right answer no longer helps.
	_, err := svc.RetrieveState(context.Background(), "link-1", "navy blue")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRetrieveStateExpired(t *testing.T) {
	now := time.Now()
	store := newFakeStore(seedRecord(t, now.Add(-time.Minute)))
	svc := NewService(store, func() time.Time { return now })

	_, err := svc.RetrieveState(context.Background(), "link-1", "navy blue")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Zero(t, store.records["link-1"].InvalidAttempts, "expired lookups do not burn attempts")
}
