package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mannapay/eventcore/libs/db"
)

var ErrNotFound = errors.New("outbox event not found")

// ErrNotFailed is returned when a manual retry targets a row that is not
// terminally FAILED.
var ErrNotFailed = errors.New("outbox event is not in FAILED status")

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

const eventColumns = `id, aggregate_type, aggregate_id, event_type, topic, partition_key,
	payload, correlation_id, causation_id, traceparent, tracestate,
	status, retry_count, max_retries, last_error, created_at, processed_at, next_retry_at`

// Insert stages a row inside the caller's transaction. Requiring pgx.Tx is
// the mandatory-propagation boundary: there is no way to call this without
// an open transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt *Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, evt.ID, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Topic, evt.PartitionKey,
		evt.Payload, evt.CorrelationID, evt.CausationID, evt.Traceparent, evt.Tracestate,
		evt.Status, evt.RetryCount, evt.MaxRetries, evt.LastError, evt.CreatedAt, evt.ProcessedAt, evt.NextRetryAt)
	return err
}

// FetchDue claims up to limit PENDING rows whose backoff has elapsed, oldest
// first. The skip-locked read lets concurrent poller instances share the
// table without double-publishing a row.
func (r *Repository) FetchDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Event, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE status = 'PENDING'
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkPublished writes the outcome through the claiming transaction. The
// claimed row is still locked by that transaction, so an update from any
// other connection would wait on our own lock.
func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, evt *Event) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, processed_at = $3
		WHERE id = $1
	`, evt.ID, evt.Status, evt.ProcessedAt)
	return err
}

// RecordFailure persists the retry bookkeeping computed by Event.RecordFailure,
// through the claiming transaction for the same reason as MarkPublished.
func (r *Repository) RecordFailure(ctx context.Context, tx pgx.Tx, evt *Event) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, retry_count = $3, last_error = $4, next_retry_at = $5
		WHERE id = $1
	`, evt.ID, evt.Status, evt.RetryCount, evt.LastError, evt.NextRetryAt)
	return err
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM outbox_events WHERE id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

func (r *Repository) FindByCorrelationID(ctx context.Context, correlationID string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE correlation_id = $1
		ORDER BY created_at
	`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *Repository) FindFailed(ctx context.Context, limit int) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE status = 'FAILED'
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ResetForRetry moves a FAILED row back to PENDING with a fresh retry
// budget. Manual recovery only.
func (r *Repository) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING', retry_count = 0, next_retry_at = NULL, last_error = ''
		WHERE id = $1 AND status = 'FAILED'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return err
		}
		return ErrNotFailed
	}
	return nil
}

func (r *Repository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM outbox_events WHERE status = $1
	`, status).Scan(&n)
	return n, err
}

// DeletePublishedBefore purges PUBLISHED rows older than the retention
// cutoff.
func (r *Repository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE status = 'PUBLISHED' AND processed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Topic, &e.PartitionKey,
			&e.Payload, &e.CorrelationID, &e.CausationID, &e.Traceparent, &e.Tracestate,
			&e.Status, &e.RetryCount, &e.MaxRetries, &e.LastError, &e.CreatedAt, &e.ProcessedAt, &e.NextRetryAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}
