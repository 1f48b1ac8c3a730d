package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps the queue in a redis list. It satisfies the same contract
// as the disk-backed queues; durability is delegated to the redis server, so
// Save is a no-op and recovery is automatic.
type RedisQueue struct {
	redis  *redis.Client
	key    string
	logger Logger
}

var _ Queue = (*RedisQueue)(nil)

const redisOpTimeout = 5 * time.Second

func NewRedisQueue(redisURL, key string, logger Logger) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisQueue{redis: client, key: key, logger: logger}, nil
}

func (q *RedisQueue) PushItem(item json.RawMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return q.redis.RPush(ctx, q.key, []byte(item)).Err()
}

func (q *RedisQueue) PopChunk(n int) []json.RawMessage {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	values, err := q.redis.LPopCount(ctx, q.key, n).Result()
	if err != nil && err != redis.Nil {
		q.logger.Error("redis pop failed", "error", err)
		return nil
	}
	chunk := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		chunk = append(chunk, json.RawMessage(v))
	}
	return chunk
}

func (q *RedisQueue) InsertBackChunk(items []json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	// LPush prepends, so walk the chunk from its tail to preserve order.
	for i := len(items) - 1; i >= 0; i-- {
		if err := q.redis.LPush(ctx, q.key, []byte(items[i])).Err(); err != nil {
			q.logger.Error("redis reinsert failed", "error", err)
			return
		}
	}
}

func (q *RedisQueue) NbItems() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	n, err := q.redis.LLen(ctx, q.key).Result()
	if err != nil {
		q.logger.Error("redis length failed", "error", err)
		return 0
	}
	return int(n)
}

func (q *RedisQueue) Save() error {
	return nil
}

func (q *RedisQueue) Close() error {
	return q.redis.Close()
}
