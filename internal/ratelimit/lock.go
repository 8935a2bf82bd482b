package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// lockReleaseScript deletes the lock only when the caller still owns it, so a
// lock that expired and was re-acquired by someone else is never released out
// from under them.
const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const webhookLockPrefix = "stitchmarket:webhook:"

// Locker serializes concurrent processing of the same external identifier
// across instances. A nil Locker (no redis configured) is usable; TryLock then
// reports acquired so single-instance deployments work without redis.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// TryLockWebhookEvent acquires the per-event advisory lock. The returned token
// must be passed back to Release.
func (l *Locker) TryLockWebhookEvent(ctx context.Context, eventID string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", true, nil
	}
	if eventID == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, webhookLockPrefix+eventID, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release drops the advisory lock if the token still owns it.
func (l *Locker) Release(ctx context.Context, eventID, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if eventID == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{webhookLockPrefix + eventID}, token).Err()
}
