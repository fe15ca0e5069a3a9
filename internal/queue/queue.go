// Package queue implements an at-least-once message queue over Postgres.
// Receive claims a batch of visible messages and hides them for the
// visibility timeout; messages not deleted before the timeout elapses
// reappear, which is the retry mechanism for failed processing.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
	"github.com/DEFRA/forms-submission-api-sub000/internal/database"
)

// Message is one delivery. ReceiptHandle is an opaque token valid until the
// visibility timeout elapses; deleting by a stale handle is a no-op failure.
type Message struct {
	ID            string
	Body          json.RawMessage
	ReceiptHandle string
}

type Queue struct {
	db *database.Client
}

func New(db *database.Client) *Queue {
	return &Queue{db: db}
}

// Receive claims up to max visible messages from the named queue, hiding
// each behind a fresh receipt handle for the visibility timeout. Claiming
// uses SKIP LOCKED so concurrent consumers never block on each other.
func (q *Queue) Receive(ctx context.Context, queueName string, max int, visibility time.Duration) ([]Message, error) {
	const query = `
		update queue_messages
		   set receipt_handle = gen_random_uuid(),
		       visible_at = now() + make_interval(secs => $3)
		 where message_id in (
		       select message_id
		         from queue_messages
		        where queue = $1
		          and visible_at <= now()
		        order by enqueued_at
		          for update skip locked
		        limit $2)
		returning message_id, body, receipt_handle`

	rows, err := q.db.DB().QueryContext(ctx, query, queueName, max, visibility.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to receive from queue %s: %w", queueName, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Body, &m.ReceiptHandle); err != nil {
			return nil, fmt.Errorf("failed to scan queue message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue batch: %w", err)
	}
	return messages, nil
}

// Delete removes a message by its current receipt handle. A handle that has
// already expired (the message became visible again) matches nothing.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	res, err := q.db.DB().ExecContext(ctx,
		`delete from queue_messages where receipt_handle = $1`, receiptHandle)
	if err != nil {
		return fmt.Errorf("failed to delete queue message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("receipt handle %s: %w", receiptHandle, apperrors.ErrNotFound)
	}
	return nil
}

// messageRetention bounds how long a message that is never successfully
// processed can sit on the queue before the janitor removes it.
const messageRetention = 14 * 24 * time.Hour

// DeleteExpired removes messages past the retention bound. A message this
// old has been redelivered for two weeks without a successful delete; the
// recurring processing errors in the logs are the operator signal.
func (q *Queue) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.DB().ExecContext(ctx,
		`delete from queue_messages where enqueued_at <= $1`, now.Add(-messageRetention))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired queue messages: %w", err)
	}
	return res.RowsAffected()
}

// Enqueue inserts a message and returns its id. This is the producer side
// of the shared queue table; the consumers in this process never call it.
func (q *Queue) Enqueue(ctx context.Context, queueName string, body any) (string, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message body: %w", err)
	}

	id := uuid.NewString()
	_, err = q.db.DB().ExecContext(ctx,
		`insert into queue_messages (message_id, queue, body) values ($1, $2, $3)`,
		id, queueName, encoded)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id, nil
}
