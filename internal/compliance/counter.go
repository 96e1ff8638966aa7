package compliance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Querier is the slice of the store the SQL counter needs.
type Querier interface {
	CountRecentContacts(ctx context.Context, leadID string, since time.Time) (int, error)
}

// SQLCounter counts contacts from task rows: any task whose dispatch began
// inside the window and did not fail.
type SQLCounter struct {
	q Querier
}

func NewSQLCounter(q Querier) *SQLCounter { return &SQLCounter{q: q} }

func (c *SQLCounter) CountSince(ctx context.Context, leadID string, since time.Time) (int, error) {
	return c.q.CountRecentContacts(ctx, leadID, since)
}

// RedisCounter keeps a sorted set per lead, scored by contact time in unix
// milliseconds, so the frequency cap can be checked across dispatcher
// processes without touching the task table.
type RedisCounter struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb, prefix: "rentfinder:contacts:", ttl: CapWindow + time.Hour}
}

func (c *RedisCounter) key(leadID string) string { return c.prefix + leadID }

func (c *RedisCounter) CountSince(ctx context.Context, leadID string, since time.Time) (int, error) {
	n, err := c.rdb.ZCount(ctx, c.key(leadID), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcount: %w", err)
	}
	return int(n), nil
}

// RecordContact adds the task to the lead's window and trims entries that
// fell out of it. Recording the same task twice counts once.
func (c *RedisCounter) RecordContact(ctx context.Context, leadID, taskID string, at time.Time) error {
	key := c.key(leadID)
	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: taskID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(at.Add(-CapWindow).UnixMilli(), 10))
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record contact: %w", err)
	}
	return nil
}
