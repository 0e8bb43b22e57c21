// Package redisq delivers patient SMS by pushing them onto a Redis list that
// an SMS gateway worker drains.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/intake/internal/intake"
)

// DefaultKey is the list outbound messages are appended to.
const DefaultKey = "sms:outbound"

// Queue appends outbound messages to a Redis list.
type Queue struct {
	rdb redis.Cmdable
	key string
}

// New creates a queue writing to key on rdb. An empty key means DefaultKey.
func New(rdb redis.Cmdable, key string) *Queue {
	if rdb == nil {
		panic(xerrors.New("redis client is required"))
	}
	if key == "" {
		key = DefaultKey
	}
	return &Queue{rdb: rdb, key: key}
}

// Deliver RPUSHes msg as JSON. The message counts as delivered once Redis has
// accepted it; the gateway worker owns the carrier hand-off.
func (q *Queue) Deliver(ctx context.Context, msg *intake.Outbound) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisq: marshal message: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("redisq: rpush %s: %w", q.key, err)
	}
	return nil
}

// Depth reports how many messages are waiting for the gateway worker.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redisq: llen %s: %w", q.key, err)
	}
	return n, nil
}
