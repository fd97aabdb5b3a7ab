package utils

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnkhanh/recallai-backend/models"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	client, err := NewRedisClient(context.Background(), addr, "", 15)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		_ = client.Close()
	})
	return client
}

func TestRedisDeadLetters(t *testing.T) {
	client := testRedis(t)
	q := NewRedisDeadLetters(client)
	ctx := context.Background()

	for _, id := range []string{"d1", "d2"} {
		if err := q.Push(ctx, models.DeadLetter{DeckID: id, Stage: "generate", FailedAt: time.Now()}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	got, err := q.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].DeckID != "d2" {
		t.Fatalf("expected newest first, got %+v", got)
	}
}

func TestRedisDeduper(t *testing.T) {
	client := testRedis(t)
	d := NewRedisDeduper(client)
	ctx := context.Background()
	key := "b/uploads/documents/u1/a.txt#1"

	first, err := d.Claim(ctx, key, time.Minute)
	if err != nil || !first {
		t.Fatalf("expected first claim, got %v %v", first, err)
	}
	again, err := d.Claim(ctx, key, time.Minute)
	if err != nil || again {
		t.Fatalf("expected running key to block a second claim, got %v %v", again, err)
	}

	if err := d.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := d.Claim(ctx, key, time.Minute); !ok {
		t.Fatalf("released key must be claimable again")
	}

	if err := d.Complete(ctx, key); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ttl := client.TTL(ctx, eventKeyPrefix+key).Val(); ttl <= time.Hour {
		t.Fatalf("completed key must be kept for a day, ttl %v", ttl)
	}
}

func TestRedisDeduperLeaseExpires(t *testing.T) {
	d := NewRedisDeduper(testRedis(t))
	ctx := context.Background()
	key := "b/uploads/audio/u1/a.mp3#2"

	if ok, err := d.Claim(ctx, key, 100*time.Millisecond); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	time.Sleep(250 * time.Millisecond)
	if ok, err := d.Claim(ctx, key, time.Minute); err != nil || !ok {
		t.Fatalf("a lease left by a dead run must expire, got %v %v", ok, err)
	}
}
