package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
	"github.com/DEFRA/forms-submission-api-sub000/internal/config"
	"github.com/DEFRA/forms-submission-api-sub000/internal/database"
	"github.com/DEFRA/forms-submission-api-sub000/internal/queue"
	"github.com/DEFRA/forms-submission-api-sub000/internal/types"
)

// validate checks event payload schemas for both pipelines.
var validate = validator.New()

type submissionStore interface {
	Insert(ctx context.Context, q database.Querier, rec *types.SubmissionRecord) error
}

// NewSubmissionConsumer builds the pipeline that turns submission events
// into SubmissionRecords. The server stamps the creation time and computes
// the retention expiry; nothing from the message clock is trusted.
func NewSubmissionConsumer(source Source, db TxRunner, store submissionStore, cfg *config.Config, now func() time.Time) *Consumer[*types.SubmissionRecord] {
	if now == nil {
		now = time.Now
	}
	retentionMonths := cfg.RetentionMonths

	mapping := func(msg queue.Message) (*types.SubmissionRecord, error) {
		var event types.SubmissionEvent
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			return nil, fmt.Errorf("malformed submission event: %v: %w", err, apperrors.ErrValidation)
		}
		if err := validate.Struct(&event); err != nil {
			return nil, fmt.Errorf("invalid submission event: %v: %w", err, apperrors.ErrValidation)
		}

		meta, err := json.Marshal(event.Meta)
		if err != nil {
			return nil, fmt.Errorf("failed to encode submission meta: %w", err)
		}

		created := now().UTC()
		return &types.SubmissionRecord{
			Reference:       event.Meta.ReferenceNumber,
			FormID:          event.Meta.FormID,
			FormVersion:     event.Meta.FormVersion,
			Meta:            meta,
			Data:            event.Data,
			Result:          event.Result,
			RecordCreatedAt: created,
			ExpireAt:        created.AddDate(0, retentionMonths, 0),
		}, nil
	}

	persist := func(ctx context.Context, tx *sql.Tx, rec *types.SubmissionRecord) error {
		return store.Insert(ctx, tx, rec)
	}

	return New("submissions", source, db, mapping, persist, Options{
		QueueName:    cfg.SubmissionQueue,
		MaxBatch:     cfg.MaxBatch,
		Visibility:   cfg.VisibilityTimeout,
		PollInterval: cfg.PollInterval,
	})
}
