// Package consumer implements the generic at-least-once message consumption
// engine: receive a bounded batch, map and validate each body, persist the
// mapped record in a transaction, and delete the message only after the
// commit. Each message is handled independently; one failure never aborts
// its siblings or the owning loop.
package consumer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
	"github.com/DEFRA/forms-submission-api-sub000/internal/logger"
	"github.com/DEFRA/forms-submission-api-sub000/internal/metrics"
	"github.com/DEFRA/forms-submission-api-sub000/internal/queue"
)

// Source is the queue surface the engine consumes.
type Source interface {
	Receive(ctx context.Context, queueName string, max int, visibility time.Duration) ([]queue.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// TxRunner opens the transaction each persist runs inside.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Mapper parses and schema-validates a message body into a domain record.
// A mapping failure is terminal for the message: the queue will redeliver
// it until visibility expires, surfacing as a recurring error until an
// operator intervenes.
type Mapper[T any] func(msg queue.Message) (T, error)

// Persister writes the record inside the supplied transaction. A natural-key
// collision must surface as apperrors.ErrConflict; the engine counts it as
// success, because the record already exists from a prior delivery.
type Persister[T any] func(ctx context.Context, tx *sql.Tx, record T) error

type Options struct {
	QueueName    string
	MaxBatch     int
	Visibility   time.Duration
	PollInterval time.Duration
}

type Consumer[T any] struct {
	name    string
	source  Source
	db      TxRunner
	mapping Mapper[T]
	persist Persister[T]
	opts    Options
}

func New[T any](name string, source Source, db TxRunner, mapping Mapper[T], persist Persister[T], opts Options) *Consumer[T] {
	return &Consumer[T]{
		name:    name,
		source:  source,
		db:      db,
		mapping: mapping,
		persist: persist,
		opts:    opts,
	}
}

// CycleResult reports one poll cycle: ids of messages fully processed
// (committed and deleted) and the error for every message that was not.
type CycleResult struct {
	Processed []string
	Failed    map[string]error
}

// RunCycle performs a single poll cycle. Messages are handled concurrently
// and in isolation; order relative to receipt is not guaranteed.
func (c *Consumer[T]) RunCycle(ctx context.Context) (CycleResult, error) {
	result := CycleResult{Failed: map[string]error{}}

	messages, err := c.source.Receive(ctx, c.opts.QueueName, c.opts.MaxBatch, c.opts.Visibility)
	if err != nil {
		return result, fmt.Errorf("failed to receive batch: %w", err)
	}
	if len(messages) == 0 {
		return result, nil
	}

	type outcome struct {
		id  string
		err error
	}
	outcomes := make(chan outcome, len(messages))
	for _, msg := range messages {
		go func(msg queue.Message) {
			outcomes <- outcome{id: msg.ID, err: c.handleMessageSafely(ctx, msg)}
		}(msg)
	}

	for range messages {
		o := <-outcomes
		if o.err != nil {
			result.Failed[o.id] = o.err
			metrics.MessagesProcessed.WithLabelValues(c.name, metrics.OutcomeFailed).Inc()
			logger.Error(ctx, "message processing failed", o.err, logger.Fields{
				"pipeline":   c.name,
				"message_id": o.id,
			})
		} else {
			result.Processed = append(result.Processed, o.id)
			metrics.MessagesProcessed.WithLabelValues(c.name, metrics.OutcomeProcessed).Inc()
		}
	}

	metrics.ConsumerCycles.WithLabelValues(c.name).Inc()
	return result, nil
}

// handleMessageSafely converts a panic from a mapper or persister into a
// message-level failure so one poisoned body cannot take down its siblings
// or the process.
func (c *Consumer[T]) handleMessageSafely(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic handling message %s: %v", msg.ID, p)
		}
	}()
	return c.handleMessage(ctx, msg)
}

// handleMessage maps, persists and deletes one message. A Conflict from the
// persist path means a prior delivery already committed this record, so the
// message is deleted as processed.
func (c *Consumer[T]) handleMessage(ctx context.Context, msg queue.Message) error {
	record, err := c.mapping(msg)
	if err != nil {
		return fmt.Errorf("map message %s: %w", msg.ID, err)
	}

	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		return c.persist(ctx, tx, record)
	})
	if err != nil && !errors.Is(err, apperrors.ErrConflict) {
		return fmt.Errorf("persist message %s: %w", msg.ID, err)
	}
	if errors.Is(err, apperrors.ErrConflict) {
		logger.Debug(ctx, "record already persisted by a prior delivery", logger.Fields{
			"pipeline":   c.name,
			"message_id": msg.ID,
		})
	}

	if err := c.source.Delete(ctx, msg.ReceiptHandle); err != nil {
		return fmt.Errorf("delete message %s: %w", msg.ID, err)
	}
	return nil
}

// Run drives cycles with a fixed delay until the context is cancelled. A
// cycle-level failure or panic is logged and never stops the loop; the
// consumer self-heals from transient store and network errors.
func (c *Consumer[T]) Run(ctx context.Context) {
	logger.Info(ctx, "starting consumer", logger.Fields{
		"pipeline":      c.name,
		"queue":         c.opts.QueueName,
		"poll_interval": c.opts.PollInterval.String(),
		"max_batch":     c.opts.MaxBatch,
	})

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "consumer stopped", logger.Fields{"pipeline": c.name})
			return
		default:
		}

		c.runCycleSafely(ctx)

		select {
		case <-ctx.Done():
		case <-time.After(c.opts.PollInterval):
		}
	}
}

func (c *Consumer[T]) runCycleSafely(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error(ctx, "consumer cycle panicked", fmt.Errorf("%v", p), logger.Fields{
				"pipeline": c.name,
			})
		}
	}()

	result, err := c.RunCycle(ctx)
	if err != nil {
		logger.Error(ctx, "consumer cycle failed", err, logger.Fields{"pipeline": c.name})
		return
	}
	if len(result.Processed) > 0 || len(result.Failed) > 0 {
		logger.Info(ctx, "consumer cycle complete", logger.Fields{
			"pipeline":  c.name,
			"processed": len(result.Processed),
			"failed":    len(result.Failed),
		})
	}
}
