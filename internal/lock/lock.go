package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPollInterval = 50 * time.Millisecond

// releaseScript deletes the key only while this holder still owns it, so a
// holder whose lease expired cannot delete a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// KeyFor builds the lock key guarding one (tenant, customer, window) triple.
// Both the aggregation scheduler and the late-event reconciler take this key
// before touching the window row.
func KeyFor(tenantID, customerID int64, windowStart time.Time) string {
	return fmt.Sprintf("aggregation:lock:%d:%d:%d", tenantID, customerID, windowStart.Unix())
}

// Locker is a lease-based mutual exclusion primitive on a shared Redis.
// Acquisition is SET NX PX; the lease bounds how long a crashed holder can
// block other instances.
type Locker struct {
	client *redis.Client

	// PollInterval is the wait between acquisition attempts.
	PollInterval time.Duration
}

func New(client *redis.Client) *Locker {
	return &Locker{client: client, PollInterval: defaultPollInterval}
}

// WithLock tries to acquire key for lease, polling until acquireTimeout
// elapses. When acquired it runs fn and releases afterwards, returning
// (true, fn's error). When the timeout passes without acquisition it returns
// (false, nil): contention is an expected outcome, not a failure.
func (l *Locker) WithLock(ctx context.Context, key string, acquireTimeout, lease time.Duration, fn func(context.Context) error) (bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(acquireTimeout)

	for {
		ok, err := l.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return false, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.PollInterval):
		}
	}

	defer l.release(ctx, key, token)
	return true, fn(ctx)
}

func (l *Locker) release(ctx context.Context, key, token string) {
	// Release even when the caller's context is done; bound it separately.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
		slog.Warn("failed to release lock",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}
