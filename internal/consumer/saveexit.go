package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
	"github.com/DEFRA/forms-submission-api-sub000/internal/config"
	"github.com/DEFRA/forms-submission-api-sub000/internal/database"
	"github.com/DEFRA/forms-submission-api-sub000/internal/keyhash"
	"github.com/DEFRA/forms-submission-api-sub000/internal/queue"
	"github.com/DEFRA/forms-submission-api-sub000/internal/types"
)

// saveAndExitTTL drives the TTL expiry of saved progress. The expiry
// notification window counts down against this.
const saveAndExitTTL = 28 * 24 * time.Hour

type saveAndExitStore interface {
	Insert(ctx context.Context, q database.Querier, rec *types.SaveAndExitRecord) error
}

// NewSaveAndExitConsumer builds the pipeline that turns save-and-exit events
// into SaveAndExitRecords. The security answer is hashed during mapping;
// the plaintext never reaches the database.
func NewSaveAndExitConsumer(source Source, db TxRunner, store saveAndExitStore, cfg *config.Config, now func() time.Time) *Consumer[*types.SaveAndExitRecord] {
	if now == nil {
		now = time.Now
	}

	mapping := func(msg queue.Message) (*types.SaveAndExitRecord, error) {
		var event types.SaveAndExitEvent
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			return nil, fmt.Errorf("malformed save-and-exit event: %v: %w", err, apperrors.ErrValidation)
		}
		if err := validate.Struct(&event); err != nil {
			return nil, fmt.Errorf("invalid save-and-exit event: %v: %w", err, apperrors.ErrValidation)
		}

		// Answers are matched case-insensitively on retrieval.
		answerHash, err := keyhash.Hash(event.SecurityAnswer, false)
		if err != nil {
			return nil, fmt.Errorf("failed to hash security answer: %w", err)
		}

		created := now().UTC()
		return &types.SaveAndExitRecord{
			MagicLinkID:        event.MagicLinkID,
			FormID:             event.FormID,
			Email:              event.Email,
			SecurityQuestion:   event.SecurityQuestion,
			SecurityAnswerHash: answerHash,
			State:              event.State,
			CreatedAt:          created,
			ExpireAt:           created.Add(saveAndExitTTL),
		}, nil
	}

	persist := func(ctx context.Context, tx *sql.Tx, rec *types.SaveAndExitRecord) error {
		return store.Insert(ctx, tx, rec)
	}

	return New("save_and_exit", source, db, mapping, persist, Options{
		QueueName:    cfg.SaveAndExitQueue,
		MaxBatch:     cfg.MaxBatch,
		Visibility:   cfg.VisibilityTimeout,
		PollInterval: cfg.PollInterval,
	})
}
