// Package scheduler sends exactly one expiry notification per saved-progress
// record, safely under multiple concurrently-running service instances. The
// only cross-instance coordination is the optimistic version lock on each
// record: a compare-and-set claim followed by an explicit read-back
// verification, with no distinguished leader.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/DEFRA/forms-submission-api-sub000/internal/config"
	"github.com/DEFRA/forms-submission-api-sub000/internal/logger"
	"github.com/DEFRA/forms-submission-api-sub000/internal/metrics"
	"github.com/DEFRA/forms-submission-api-sub000/internal/notify"
	"github.com/DEFRA/forms-submission-api-sub000/internal/types"
)

// genericFormTitle is used when the forms manager cannot resolve a title; a
// lookup failure never fails the record.
const genericFormTitle = "your form"

type store interface {
	FindExpiring(ctx context.Context, from, to time.Time, lockTimeout time.Duration) ([]types.SaveAndExitRecord, error)
	TryAcquireLock(ctx context.Context, magicLinkID string, expectedVersion int, owner string) (bool, error)
	Get(ctx context.Context, magicLinkID string) (*types.SaveAndExitRecord, error)
	MarkEmailSent(ctx context.Context, magicLinkID string, at time.Time) error
}

type titleResolver interface {
	Title(ctx context.Context, formID string) (string, error)
}

type notifier interface {
	Send(ctx context.Context, req notify.SendRequest) (*notify.SendResponse, error)
}

type Scheduler struct {
	store    store
	forms    titleResolver
	notifier notifier

	ownerID      string
	schedule     string
	lookahead    time.Duration
	minRemaining time.Duration
	lockTimeout  time.Duration
	templateID   string

	now  func() time.Time
	cron *cron.Cron
}

// New constructs a stopped scheduler. Each instance mints its own runtime
// owner id, which is what the lock records.
func New(s store, forms titleResolver, n notifier, cfg *config.Config, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:        s,
		forms:        forms,
		notifier:     n,
		ownerID:      uuid.NewString(),
		schedule:     cfg.NotifyCronSchedule,
		lookahead:    cfg.ExpiryLookahead,
		minRemaining: cfg.ExpiryMinRemaining,
		lockTimeout:  cfg.NotifyLockTimeout,
		templateID:   cfg.NotifierTemplateID,
		now:          now,
	}
}

// Start registers the tick on the cron runner. An invalid schedule is a
// startup failure; the process must not run without the notifier.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid notify cron schedule %q: %w", s.schedule, err)
	}
	s.cron = c
	c.Start()
	logger.Info(ctx, "expiry scheduler started", logger.Fields{
		"owner_id": s.ownerID,
		"schedule": s.schedule,
	})
	return nil
}

// Stop halts the cron runner and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunResult summarises one tick.
type RunResult struct {
	Candidates int
	Notified   int
	Skipped    int
	Failed     int
}

// RunOnce performs one scheduler tick. Per-record failures are counted and
// logged; they never abort the remaining candidates.
func (s *Scheduler) RunOnce(ctx context.Context) RunResult {
	var result RunResult
	now := s.now()

	candidates, err := s.store.FindExpiring(ctx, now.Add(s.minRemaining), now.Add(s.lookahead), s.lockTimeout)
	if err != nil {
		logger.Error(ctx, "failed to query expiring records", err)
		return result
	}
	result.Candidates = len(candidates)
	if len(candidates) == 0 {
		return result
	}

	// Title cache lives for one run only, to avoid redundant lookups when
	// many records share a form.
	titles := map[string]string{}

	for _, rec := range candidates {
		outcome, err := s.notifyRecord(ctx, rec, now, titles)
		switch {
		case err != nil:
			result.Failed++
			metrics.ExpiryNotifications.WithLabelValues(metrics.OutcomeFailed).Inc()
			logger.Error(ctx, "failed to notify expiring record", err, logger.Fields{
				"magic_link_id": rec.MagicLinkID,
			})
		case outcome:
			result.Notified++
			metrics.ExpiryNotifications.WithLabelValues(metrics.OutcomeSent).Inc()
		default:
			result.Skipped++
			metrics.ExpiryNotifications.WithLabelValues(metrics.OutcomeSkipped).Inc()
		}
	}

	logger.Info(ctx, "expiry scheduler tick complete", logger.Fields{
		"candidates": result.Candidates,
		"notified":   result.Notified,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
	})
	return result
}

// notifyRecord attempts the lock, verifies ownership, and sends. Returns
// (false, nil) when another instance won the record.
func (s *Scheduler) notifyRecord(ctx context.Context, rec types.SaveAndExitRecord, now time.Time, titles map[string]string) (bool, error) {
	acquired, err := s.store.TryAcquireLock(ctx, rec.MagicLinkID, rec.Version, s.ownerID)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}

	// Read back and verify ownership. The CAS matching a row is not treated
	// as proof of exclusivity on its own; this closes the stale-read window
	// where two claims both appear to succeed.
	current, err := s.store.Get(ctx, rec.MagicLinkID)
	if err != nil {
		return false, err
	}
	if current.ExpireLockOwner != s.ownerID {
		return false, nil
	}
	if current.ExpireEmailSentAt != nil {
		return false, nil
	}

	title, ok := titles[current.FormID]
	if !ok {
		title, err = s.forms.Title(ctx, current.FormID)
		if err != nil {
			logger.Warn(ctx, "falling back to generic form title", logger.Fields{
				"form_id": current.FormID,
			})
			title = genericFormTitle
		}
		titles[current.FormID] = title
	}

	// Floored, not rounded: "23 hours" for anything under a full day.
	hoursRemaining := int(current.ExpireAt.Sub(now).Hours())

	_, err = s.notifier.Send(ctx, notify.SendRequest{
		Recipient:  current.Email,
		TemplateID: s.templateID,
		Personalisation: map[string]any{
			"formTitle":      title,
			"hoursRemaining": hoursRemaining,
			"magicLinkId":    current.MagicLinkID,
		},
	})
	if err != nil {
		return false, err
	}

	if err := s.store.MarkEmailSent(ctx, current.MagicLinkID, now); err != nil {
		return false, err
	}
	return true, nil
}
