package saveexit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
	"github.com/DEFRA/forms-submission-api-sub000/internal/keyhash"
	"github.com/DEFRA/forms-submission-api-sub000/internal/logger"
	"github.com/DEFRA/forms-submission-api-sub000/internal/types"
)

// maxInvalidAttempts is the wrong-answer allowance before the record is
// destroyed. Matches the attempt allowance communicated to the user in the
// save-and-exit email.
const maxInvalidAttempts = 5

type store interface {
	Get(ctx context.Context, magicLinkID string) (*types.SaveAndExitRecord, error)
	IncrementInvalidAttempts(ctx context.Context, magicLinkID string) (int, error)
	ConsumeState(ctx context.Context, magicLinkID string) (json.RawMessage, error)
	Delete(ctx context.Context, magicLinkID string) error
}

// Service handles magic-link retrieval: question lookup, answer
// verification with an attempt allowance, and single-use state consumption.
type Service struct {
	store store
	now   func() time.Time
}

func NewService(s store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: s, now: now}
}

// LinkInfo is what the resume page needs before the user answers.
type LinkInfo struct {
	FormID           string    `json:"formId"`
	SecurityQuestion string    `json:"securityQuestion"`
	ExpireAt         time.Time `json:"expireAt"`
}

// ValidateLink confirms the magic link is live and returns its security
// question. Expired links read as absent.
func (s *Service) ValidateLink(ctx context.Context, magicLinkID string) (*LinkInfo, error) {
	rec, err := s.store.Get(ctx, magicLinkID)
	if err != nil {
		return nil, err
	}
	if !rec.ExpireAt.After(s.now()) {
		return nil, fmt.Errorf("magic link %s has expired: %w", magicLinkID, apperrors.ErrNotFound)
	}
	return &LinkInfo{
		FormID:           rec.FormID,
		SecurityQuestion: rec.SecurityQuestion,
		ExpireAt:         rec.ExpireAt,
	}, nil
}

// RetrieveState verifies the security answer and consumes the record,
// returning the saved form state. The record is single-use: a successful
// retrieval deletes it, and exhausting the attempt allowance destroys it.
func (s *Service) RetrieveState(ctx context.Context, magicLinkID, securityAnswer string) (json.RawMessage, error) {
	rec, err := s.store.Get(ctx, magicLinkID)
	if err != nil {
		return nil, err
	}
	if !rec.ExpireAt.After(s.now()) {
		return nil, fmt.Errorf("magic link %s has expired: %w", magicLinkID, apperrors.ErrNotFound)
	}

	ok, err := keyhash.Verify(securityAnswer, rec.SecurityAnswerHash, false)
	if err != nil {
		return nil, fmt.Errorf("failed to verify security answer for %s: %w", magicLinkID, err)
	}
	if !ok {
		attempts, incErr := s.store.IncrementInvalidAttempts(ctx, magicLinkID)
		if incErr != nil {
			logger.Error(ctx, "failed to record invalid attempt", incErr, logger.Fields{
				"magic_link_id": magicLinkID,
			})
		} else if attempts >= maxInvalidAttempts {
			if delErr := s.store.Delete(ctx, magicLinkID); delErr != nil {
				logger.Error(ctx, "failed to destroy record after exhausted attempts", delErr, logger.Fields{
					"magic_link_id": magicLinkID,
				})
			} else {
				logger.Warn(ctx, "save-and-exit record destroyed after exhausted attempts", logger.Fields{
					"magic_link_id": magicLinkID,
				})
			}
		}
		return nil, fmt.Errorf("security answer mismatch for %s: %w", magicLinkID, apperrors.ErrForbidden)
	}

	state, err := s.store.ConsumeState(ctx, magicLinkID)
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "saved progress retrieved", logger.Fields{
		"magic_link_id": magicLinkID,
		"form_id":       rec.FormID,
	})
	return state, nil
}
