// Package runlock keeps two workers from running the same task at once,
// across every daemon sharing the Redis instance.
package runlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gitlab.com/tozd/go/errors"

	"fileferry/pkg/logger"
)

const keyPrefix = "fileferry:run:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another worker is left alone.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

var ErrHeld = errors.New("task is already running")

// Client is the part of *redis.Client the lock needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type RunLock struct {
	client Client
	ttl    time.Duration
	logger *logger.Logger
}

func New(client Client, ttl time.Duration, logger *logger.Logger) *RunLock {
	return &RunLock{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Key returns the Redis key guarding the named task.
func Key(name string) string {
	return keyPrefix + name
}

// Acquire takes the lock for name. The returned release function must be
// called once the run is over; the lock also expires after the TTL.
func (l *RunLock) Acquire(ctx context.Context, name string) (func(context.Context) error, error) {
	key := Key(name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, errors.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, errors.Errorf("%w: %s", ErrHeld, name)
	}

	l.logger.Debug("run lock acquired", map[string]any{
		"task":        name,
		"ttl_minutes": l.ttl.Minutes(),
	})

	release := func(ctx context.Context) error {
		n, err := l.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
		if err != nil {
			return errors.Errorf("failed to release run lock: %w", err)
		}
		if n == 0 {
			l.logger.Warn("run lock expired before release", map[string]any{"task": name})
		}
		return nil
	}
	return release, nil
}
