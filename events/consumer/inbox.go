package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mannapay/eventcore/libs/db"
)

// PostgresDedupStore records processed keys in a processed_events table.
// Used where a service wants dedup state co-located with its database
// instead of Redis; rows past their TTL are swept by PurgeExpired.
type PostgresDedupStore struct {
	pool *db.Pool
}

func NewPostgresDedupStore(pool *db.Pool) *PostgresDedupStore {
	return &PostgresDedupStore{pool: pool}
}

func (s *PostgresDedupStore) IsProcessed(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM processed_events WHERE idempotency_key = $1)
	`, idempotencyKey).Scan(&exists)
	return exists, err
}

func (s *PostgresDedupStore) MarkProcessed(ctx context.Context, idempotencyKey, eventType, eventID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (idempotency_key, event_type, event_id, processed_at, expires_at)
		VALUES ($1, $2, $3, now(), now() + make_interval(secs => $4))
	`, idempotencyKey, eventType, eventID, ttl.Seconds())
	if err != nil {
		var pgErr *pgconn.PgError
		// A concurrent consumer won the race; the event is processed either way.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
	}
	return err
}

func (s *PostgresDedupStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
