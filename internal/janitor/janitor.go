// Package janitor emulates the document-store TTL index: a background sweep
// deleting saved-progress and submission rows past their expiry. Kept apart
// from the request path so lifecycle deletion never competes with it.
package janitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/DEFRA/forms-submission-api-sub000/internal/logger"
	"github.com/DEFRA/forms-submission-api-sub000/internal/metrics"
)

// expirable is implemented by each repository the janitor sweeps.
type expirable interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type Janitor struct {
	interval time.Duration
	tables   map[string]expirable

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor. tables maps a label (used in
// logs and metrics) to the repository it sweeps.
func New(interval time.Duration, tables map[string]expirable) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		interval: interval,
		tables:   tables,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Tables builds the sweep map for the standard pair of TTL repositories.
func Tables(saveAndExit, submissions expirable) map[string]expirable {
	return map[string]expirable{
		"save_and_exit": saveAndExit,
		"submissions":   submissions,
	}
}

// Start launches the sweep loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context) {
	if j.ticker != nil {
		return // already started
	}
	j.ticker = time.NewTicker(j.interval)
	go j.loop(ctx)
}

// Stop signals the loop to exit and waits for completion.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

func (j *Janitor) loop(ctx context.Context) {
	defer func() {
		j.ticker.Stop()
		close(j.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case <-j.ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle sweeps every table once. A failing table is logged and skipped;
// the next tick retries it.
func (j *Janitor) RunCycle(ctx context.Context) {
	now := time.Now().UTC()
	for table, repo := range j.tables {
		deleted, err := repo.DeleteExpired(ctx, now)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error(ctx, "janitor sweep failed", err, logger.Fields{"table": table})
			}
			continue
		}
		if deleted > 0 {
			metrics.JanitorDeleted.WithLabelValues(table).Add(float64(deleted))
			logger.Info(ctx, "janitor removed expired rows", logger.Fields{
				"table":   table,
				"deleted": deleted,
			})
		}
	}
}
