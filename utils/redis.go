package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnkhanh/recallai-backend/models"
)

const (
	DeadLetterKey  = "recall:deadletter"
	eventKeyPrefix = "recall:event:"
	EventKeyTTL    = 24 * time.Hour
)

func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// RedisDeadLetters keeps undeliverable deck writes in a Redis list, newest first.
type RedisDeadLetters struct {
	client redis.Cmdable
	key    string
}

func NewRedisDeadLetters(client redis.Cmdable) *RedisDeadLetters {
	return &RedisDeadLetters{client: client, key: DeadLetterKey}
}

func (q *RedisDeadLetters) Push(ctx context.Context, entry models.DeadLetter) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// List returns up to n entries, newest first.
func (q *RedisDeadLetters) List(ctx context.Context, n int64) ([]models.DeadLetter, error) {
	raws, err := q.client.LRange(ctx, q.key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var e models.DeadLetter
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// RedisDeduper tracks event keys in two phases. Claim takes a short lease
// that expires if the run dies; Complete keeps the key for EventKeyTTL.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisDeduper(client redis.Cmdable) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: EventKeyTTL}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string, lease time.Duration) (bool, error) {
	return d.client.SetNX(ctx, eventKeyPrefix+key, "running", lease).Result()
}

func (d *RedisDeduper) Complete(ctx context.Context, key string) error {
	return d.client.Set(ctx, eventKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Err()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, eventKeyPrefix+key).Err()
}
