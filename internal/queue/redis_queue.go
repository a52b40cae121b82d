// Package queue implements the OfflineQueue described in spec.md §4.6: a
// FIFO queue per recipient, backed by the registry's queue primitive (here,
// Redis lists), used to hold messages for clients that are briefly
// disconnected.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/redis/go-redis/v9"

	"github.com/go-hydra/gateway/internal/codec"
)

// DefaultTTL is the default time-to-live for a recipient's queue lists,
// refreshed on every touch (spec.md §4.6/§6.4).
const DefaultTTL = 24 * time.Hour

// DefaultBase is the default key base ("queueBase" in spec.md §6.5).
const DefaultBase = "hydra-router:message:queue"

// Queue is the OfflineQueue capability.
type Queue interface {
	Enqueue(ctx context.Context, id string, msg codec.Message) error
	Dequeue(ctx context.Context, id string) (codec.Message, bool, error)
	Complete(ctx context.Context, id string, msg codec.Message) error
}

// RedisQueue implements Queue directly against two Redis lists per
// recipient, exactly as named in spec.md §6.4.
type RedisQueue struct {
	rdb  *redis.Client
	base string
	ttl  time.Duration
}

// New builds a RedisQueue. base defaults to DefaultBase and ttl to
// DefaultTTL when zero-valued.
func New(rdb *redis.Client, base string, ttl time.Duration) *RedisQueue {
	if base == "" {
		base = DefaultBase
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisQueue{rdb: rdb, base: base, ttl: ttl}
}

func (q *RedisQueue) queuedKey(id string) string     { return fmt.Sprintf("%s:%s:queued", q.base, id) }
func (q *RedisQueue) processingKey(id string) string { return fmt.Sprintf("%s:%s:processing", q.base, id) }

// Enqueue RPUSHes msg onto id's queued list and refreshes its TTL. Retries
// a bounded number of times on a transient store error — the forwarder
// itself never retries (spec.md §7), but a queue write is not a forward.
func (q *RedisQueue) Enqueue(ctx context.Context, id string, msg codec.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}

	key := q.queuedKey(id)
	return repeater.NewDefault(3, 100*time.Millisecond).Do(ctx, func() error {
		pipe := q.rdb.TxPipeline()
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, q.ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Dequeue atomically moves the oldest entry from id's queued list to its
// processing list (RPOPLPUSH semantics) and refreshes processing's TTL. ok
// is false when the queued list is empty.
func (q *RedisQueue) Dequeue(ctx context.Context, id string) (msg codec.Message, ok bool, err error) {
	payload, err := q.rdb.LMove(ctx, q.queuedKey(id), q.processingKey(id), "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return codec.Message{}, false, nil
	}
	if err != nil {
		return codec.Message{}, false, fmt.Errorf("dequeue for %s: %w", id, err)
	}
	if err := q.rdb.Expire(ctx, q.processingKey(id), q.ttl).Err(); err != nil {
		return codec.Message{}, false, fmt.Errorf("refresh processing ttl for %s: %w", id, err)
	}
	if jerr := json.Unmarshal([]byte(payload), &msg); jerr != nil {
		return codec.Message{}, false, fmt.Errorf("parse dequeued message: %w", jerr)
	}
	return msg, true, nil
}

// Complete removes exactly one matching entry from id's processing list.
func (q *RedisQueue) Complete(ctx context.Context, id string, msg codec.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal completed message: %w", err)
	}
	if err := q.rdb.LRem(ctx, q.processingKey(id), 1, payload).Err(); err != nil {
		return fmt.Errorf("complete for %s: %w", id, err)
	}
	return nil
}
