package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := New(client)
	l.PollInterval = time.Millisecond
	return l, mr
}

func TestWithLockRunsCriticalSectionAndReleases(t *testing.T) {
	l, mr := newTestLocker(t)
	key := KeyFor(1, 2, time.Unix(1_700_000_010, 0))

	ran := false
	acquired, err := l.WithLock(context.Background(), key, time.Second, time.Minute, func(ctx context.Context) error {
		ran = true
		require.True(t, mr.Exists(key), "lock key must be held inside the critical section")
		return nil
	})

	require.NoError(t, err)
	require.True(t, acquired)
	require.True(t, ran)
	require.False(t, mr.Exists(key), "lock must be released after the critical section")
}

func TestWithLockMutualExclusion(t *testing.T) {
	l, _ := newTestLocker(t)
	key := KeyFor(1, 2, time.Unix(1_700_000_010, 0))

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = l.WithLock(context.Background(), key, time.Second, time.Minute, func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	acquired, err := l.WithLock(context.Background(), key, 20*time.Millisecond, time.Minute, func(ctx context.Context) error {
		t.Fatal("critical section must not run while the lock is held elsewhere")
		return nil
	})
	require.NoError(t, err)
	require.False(t, acquired)

	close(release)
}

func TestWithLockLeaseExpiryAllowsTakeover(t *testing.T) {
	l, mr := newTestLocker(t)
	key := KeyFor(7, 8, time.Unix(1_700_000_040, 0))

	// Simulate a crashed holder: lock set but never released.
	require.NoError(t, l.client.SetNX(context.Background(), key, "crashed-holder", time.Second).Err())
	mr.FastForward(2 * time.Second)

	acquired, err := l.WithLock(context.Background(), key, 50*time.Millisecond, time.Minute, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	require.True(t, acquired, "expired lease must be acquirable")
}

func TestReleaseLeavesSuccessorLockIntact(t *testing.T) {
	l, mr := newTestLocker(t)
	key := KeyFor(7, 8, time.Unix(1_700_000_040, 0))

	_, err := l.WithLock(context.Background(), key, time.Second, 100*time.Millisecond, func(ctx context.Context) error {
		// Lease expires mid-section and another instance takes the lock.
		mr.FastForward(200 * time.Millisecond)
		return mr.Set(key, "successor")
	})
	require.NoError(t, err)

	got, err := mr.Get(key)
	require.NoError(t, err)
	require.Equal(t, "successor", got, "stale holder must not delete a successor's lock")
}
