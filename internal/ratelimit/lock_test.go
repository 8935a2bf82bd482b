package ratelimit

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestNilLockerIsLockFree(t *testing.T) {
	if NewLocker(nil) != nil {
		t.Fatal("NewLocker must return nil without a redis client")
	}

	var l *Locker
	token, acquired, err := l.TryLockWebhookEvent(context.Background(), "evt_1", time.Second)
	if err != nil {
		t.Fatalf("nil locker must not error: %v", err)
	}
	if !acquired {
		t.Fatal("nil locker must report acquired so processing proceeds")
	}
	if token != "" {
		t.Fatalf("nil locker must hand out no token, got %q", token)
	}

	if err := l.Release(context.Background(), "evt_1", "stale-token"); err != nil {
		t.Fatalf("nil locker release must be a no-op: %v", err)
	}
}

func TestTryLockValidatesInput(t *testing.T) {
	// The client is never dialed; validation runs before any redis call.
	l := NewLocker(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))

	if _, _, err := l.TryLockWebhookEvent(context.Background(), "", time.Second); err == nil {
		t.Fatal("empty key must be rejected")
	}
	if _, _, err := l.TryLockWebhookEvent(context.Background(), "evt_1", 0); err == nil {
		t.Fatal("non-positive ttl must be rejected")
	}

	if err := l.Release(context.Background(), "", "token"); err != nil {
		t.Fatalf("release with empty key must be a no-op: %v", err)
	}
	if err := l.Release(context.Background(), "evt_1", ""); err != nil {
		t.Fatalf("release with empty token must be a no-op: %v", err)
	}
}
