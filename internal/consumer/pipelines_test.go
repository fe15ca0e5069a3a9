package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
	"github.com/DEFRA/forms-submission-api-sub000/internal/config"
	"github.com/DEFRA/forms-submission-api-sub000/internal/database"
	"github.com/DEFRA/forms-submission-api-sub000/internal/keyhash"
	"github.com/DEFRA/forms-submission-api-sub000/internal/types"
)

func conflictErr(key string) error {
	return fmt.Errorf("record %s already exists: %w", key, apperrors.ErrConflict)
}

type fakeSubmissionStore struct {
	mu      sync.Mutex
	records map[string]*types.SubmissionRecord
	inserts int
}

func (s *fakeSubmissionStore) Insert(_ context.Context, _ database.Querier, rec *types.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.records == nil {
		s.records = map[string]*types.SubmissionRecord{}
	}
	if _, exists := s.records[rec.Reference]; exists {
		return conflictErr(rec.Reference)
	}
	s.records[rec.Reference] = rec
	return nil
}

type fakeSaveAndExitStore struct {
	mu      sync.Mutex
	records map[string]*types.SaveAndExitRecord
}

func (s *fakeSaveAndExitStore) Insert(_ context.Context, _ database.Querier, rec *types.SaveAndExitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = map[string]*types.SaveAndExitRecord{}
	}
	if _, exists := s.records[rec.MagicLinkID]; exists {
		return conflictErr(rec.MagicLinkID)
	}
	s.records[rec.MagicLinkID] = rec
	return nil
}

func pipelineConfig() *config.Config {
	cfg := config.Defaults()
	return &cfg
}

const submissionEventJSON = `{
	"meta": {
		"referenceNumber": "REF-001",
		"formId": "form-1",
		"formVersion": "3",
		"schemaVersion": "2",
		"timestamp": "2026-08-01T10:00:00Z"
	},
	"data": {"main": {"field": "value"}},
	"result": {"files": []}
}`

func TestSubmissionPipeline(t *testing.T) {
	source := newFakeSource(message("m1", submissionEventJSON))
	store := &fakeSubmissionStore{}
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	c := NewSubmissionConsumer(source, fakeTxRunner{}, store, pipelineConfig(), func() time.Time { return fixed })
	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Processed)

	rec := store.records["REF-001"]
	require.NotNil(t, rec)
	assert.Equal(t, "form-1", rec.FormID)
	assert.Equal(t, "3", rec.FormVersion)
	assert.Equal(t, fixed, rec.RecordCreatedAt)
	assert.Equal(t, fixed.AddDate(0, 12, 0), rec.ExpireAt)
	assert.JSONEq(t, `{"main": {"field": "value"}}`, string(rec.Data))
	assert.True(t, source.deleted["rh-m1"])
}

func TestSubmissionPipelineRejectsInvalidEvent(t *testing.T) {
	source := newFakeSource(
		message("missing-ref", `{"meta":{"formId":"form-1","formVersion":"3"},"data":{},"result":{}}`),
		message("not-json", `{{{`),
	)
	store := &fakeSubmissionStore{}

	c := NewSubmissionConsumer(source, fakeTxRunner{}, store, pipelineConfig(), nil)
	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.Processed)
	assert.ErrorIs(t, result.Failed["missing-ref"], apperrors.ErrValidation)
	assert.ErrorIs(t, result.Failed["not-json"], apperrors.ErrValidation)
	assert.Zero(t, store.inserts)
	assert.False(t, source.deleted["rh-missing-ref"])
}

func TestSubmissionPipelineRedeliveryIsIdempotent(t *testing.T) {
	store := &fakeSubmissionStore{}
	cfg := pipelineConfig()

	// Same event delivered twice under different message identities, as the
	// queue does after a visibility timeout.
	first := newFakeSource(message("m1", submissionEventJSON))
	c := NewSubmissionConsumer(first, fakeTxRunner{}, store, cfg, nil)
	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, result.Processed)

	second := newFakeSource(message("m2", submissionEventJSON))
	c = NewSubmissionConsumer(second, fakeTxRunner{}, store, cfg, nil)
	result, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, result.Processed, "duplicate delivery counts as processed")
	assert.True(t, second.deleted["rh-m2"])

	assert.Equal(t, 2, store.inserts)
	assert.Len(t, store.records, 1)
}

const saveAndExitEventJSON = `{
	"magicLinkId": "link-1",
	"formId": "form-1",
	"email": "someone@example.com",
	"securityQuestion": "What is your favourite colour?",
	"securityAnswer": "Navy Blue",
	"state": {"page": 3}
}`

func TestSaveAndExitPipeline(t *testing.T) {
	source := newFakeSource(message("m1", saveAndExitEventJSON))
	store := &fakeSaveAndExitStore{}
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	c := NewSaveAndExitConsumer(source, fakeTxRunner{}, store, pipelineConfig(), func() time.Time { return fixed })
	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Processed)

	rec := store.records["link-1"]
	require.NotNil(t, rec)
	assert.Equal(t, "someone@example.com", rec.Email)
	assert.Equal(t, fixed.Add(28*24*time.Hour), rec.ExpireAt)

	// The answer is stored hashed and matches case-insensitively.
	assert.NotContains(t, rec.SecurityAnswerHash, "Navy")
	ok, err := keyhash.Verify("navy blue", rec.SecurityAnswerHash, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaveAndExitPipelineRejectsInvalidEmail(t *testing.T) {
	body := `{
		"magicLinkId": "link-1",
		"formId": "form-1",
		"email": "not-an-email",
		"securityQuestion": "q",
		"securityAnswer": "a",
		"state": {}
	}`
	source := newFakeSource(message("m1", body))
	store := &fakeSaveAndExitStore{}

	c := NewSaveAndExitConsumer(source, fakeTxRunner{}, store, pipelineConfig(), nil)
	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Failed["m1"], apperrors.ErrValidation)
	assert.Empty(t, store.records)
}

func TestSaveAndExitEventRoundTrip(t *testing.T) {
	var event types.SaveAndExitEvent
	require.NoError(t, json.Unmarshal([]byte(saveAndExitEventJSON), &event))
	assert.Equal(t, "link-1", event.MagicLinkID)
	assert.Equal(t, "Navy Blue", event.SecurityAnswer)
}
