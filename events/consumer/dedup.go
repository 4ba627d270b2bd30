package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mannapay/eventcore/events/core"
)

// DefaultDedupTTL is how long a processed idempotency key is remembered.
const DefaultDedupTTL = 7 * 24 * time.Hour

const dedupKeyPrefix = core.Namespace + ":events:processed:"

// DedupStore is the shared source of truth for "already processed" across
// all consumer instances of a service.
type DedupStore interface {
	IsProcessed(ctx context.Context, idempotencyKey string) (bool, error)
	MarkProcessed(ctx context.Context, idempotencyKey, eventType, eventID string, ttl time.Duration) error
}

// RedisDedupStore keys processed events as
// <namespace>:events:processed:<idempotencyKey> with a TTL.
type RedisDedupStore struct {
	rdb *redis.Client
}

func NewRedisDedupStore(rdb *redis.Client) *RedisDedupStore {
	return &RedisDedupStore{rdb: rdb}
}

func (s *RedisDedupStore) IsProcessed(ctx context.Context, idempotencyKey string) (bool, error) {
	n, err := s.rdb.Exists(ctx, dedupKeyPrefix+idempotencyKey).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisDedupStore) MarkProcessed(ctx context.Context, idempotencyKey, eventType, eventID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	value := fmt.Sprintf("%s|%s|%s", eventType, eventID, time.Now().UTC().Format(time.RFC3339))
	return s.rdb.Set(ctx, dedupKeyPrefix+idempotencyKey, value, ttl).Err()
}
