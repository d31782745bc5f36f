package latevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rdpk/metering/internal/lock"
	"github.com/rdpk/metering/internal/models"
	"github.com/rdpk/metering/internal/timeutil"
)

type fakeStore struct {
	mu        sync.Mutex
	staged    map[string]models.LateEvent
	events    map[string]models.UsageEvent
	windows   map[string]models.AggregationWindow
	upsertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		staged:  make(map[string]models.LateEvent),
		events:  make(map[string]models.UsageEvent),
		windows: make(map[string]models.AggregationWindow),
	}
}

func windowKey(tenantID, customerID int64, start time.Time) string {
	return fmt.Sprintf("%d/%d/%d", tenantID, customerID, start.Unix())
}

func (f *fakeStore) UpsertLateEvent(ctx context.Context, le models.LateEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged[le.EventID] = le
	return nil
}

func (f *fakeStore) ListLateEvents(ctx context.Context, limit int) ([]models.LateEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LateEvent
	for _, le := range f.staged {
		if len(out) >= limit {
			break
		}
		out = append(out, le)
	}
	return out, nil
}

func (f *fakeStore) DeleteLateEvent(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.staged, eventID)
	return nil
}

func (f *fakeStore) InsertEventIfAbsent(ctx context.Context, ev models.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[ev.EventID]; !ok {
		f.events[ev.EventID] = ev
	}
	return nil
}

func (f *fakeStore) EventsInWindow(ctx context.Context, tenantID, customerID int64, w timeutil.Window) ([]models.UsageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var inside []models.UsageEvent
	for _, ev := range f.events {
		if ev.TenantID == tenantID && ev.CustomerID == customerID && w.Contains(ev.Timestamp) {
			inside = append(inside, ev)
		}
	}
	return inside, nil
}

func (f *fakeStore) UpsertWindow(ctx context.Context, w models.AggregationWindow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.windows[windowKey(w.TenantID, w.CustomerID, w.WindowStart)] = w
	return nil
}

func newTestLocker(t *testing.T) *lock.Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := lock.New(client)
	l.PollInterval = time.Millisecond
	return l
}

var windowStart = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func lateUsageEvent(id string) models.UsageEvent {
	return models.UsageEvent{
		EventID:      id,
		TenantID:     1,
		CustomerID:   2,
		Timestamp:    windowStart.Add(10 * time.Second),
		Endpoint:     "/api/completion",
		Model:        "gpt-4",
		InputTokens:  100,
		OutputTokens: 50,
	}
}

func newReconciler(store ReconcileStore, locker WindowLocker) *Reconciler {
	return NewReconciler(store, locker, nil, time.Minute, 100, 30*time.Second, time.Second, time.Minute)
}

func TestStagerSerializesAndUpserts(t *testing.T) {
	store := newFakeStore()
	s := NewStager(store)
	received := windowStart.Add(5 * time.Minute)

	ev := lateUsageEvent("late-1")
	require.NoError(t, s.Stage(context.Background(), ev, received))

	le, ok := store.staged["late-1"]
	require.True(t, ok)
	require.Equal(t, ev.Timestamp, le.OriginalTimestamp)
	require.Equal(t, received, le.ReceivedTimestamp)

	var decoded models.UsageEvent
	require.NoError(t, json.Unmarshal(le.Data, &decoded))
	require.Equal(t, ev.EventID, decoded.EventID)
}

func TestSweepFoldsLateEventIntoWindow(t *testing.T) {
	store := newFakeStore()
	ev := lateUsageEvent("late-1")
	require.NoError(t, NewStager(store).Stage(context.Background(), ev, windowStart.Add(5*time.Minute)))

	r := newReconciler(store, newTestLocker(t))
	r.sweep(context.Background())

	require.Empty(t, store.staged, "reconciled event must leave staging")
	require.Contains(t, store.events, "late-1", "event row must be persisted")

	w, ok := store.windows[windowKey(1, 2, windowStart)]
	require.True(t, ok, "window must be created for the late event")
	var result models.AggregationResult
	require.NoError(t, json.Unmarshal(w.Data, &result))
	require.Equal(t, int64(1), result.TotalCalls)
	require.Equal(t, int64(150), result.TotalTokens)
}

func TestSweepMergesWithExistingWindowEvents(t *testing.T) {
	store := newFakeStore()
	// An on-time event already persisted for this window.
	onTime := lateUsageEvent("on-time")
	onTime.Timestamp = windowStart.Add(2 * time.Second)
	require.NoError(t, store.InsertEventIfAbsent(context.Background(), onTime))

	require.NoError(t, NewStager(store).Stage(context.Background(), lateUsageEvent("late-1"), windowStart.Add(5*time.Minute)))

	r := newReconciler(store, newTestLocker(t))
	r.sweep(context.Background())

	var result models.AggregationResult
	require.NoError(t, json.Unmarshal(store.windows[windowKey(1, 2, windowStart)].Data, &result))
	require.Equal(t, int64(2), result.TotalCalls, "recomputed window must include pre-existing events")
	require.Equal(t, int64(300), result.TotalTokens)
}

func TestSweepIsIdempotent(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	stager := NewStager(store)
	r := newReconciler(store, newTestLocker(t))

	require.NoError(t, stager.Stage(ctx, lateUsageEvent("late-1"), windowStart.Add(5*time.Minute)))
	r.sweep(ctx)

	// The same event is delivered and staged again.
	require.NoError(t, stager.Stage(ctx, lateUsageEvent("late-1"), windowStart.Add(6*time.Minute)))
	r.sweep(ctx)

	require.Len(t, store.events, 1, "replayed event must not duplicate its row")
	var result models.AggregationResult
	require.NoError(t, json.Unmarshal(store.windows[windowKey(1, 2, windowStart)].Data, &result))
	require.Equal(t, int64(1), result.TotalCalls, "replay must converge on the same totals")
}

func TestSweepLeavesCorruptPayloadStaged(t *testing.T) {
	store := newFakeStore()
	store.staged["broken"] = models.LateEvent{EventID: "broken", Data: []byte("not-json")}

	r := newReconciler(store, newTestLocker(t))
	r.sweep(context.Background())

	require.Contains(t, store.staged, "broken", "corrupt payload must stay staged")
	require.Empty(t, store.events)
}

func TestSweepKeepsStagingRowOnWindowWriteFailure(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("db down")
	require.NoError(t, NewStager(store).Stage(context.Background(), lateUsageEvent("late-1"), windowStart.Add(5*time.Minute)))

	r := newReconciler(store, newTestLocker(t))
	r.sweep(context.Background())

	require.Contains(t, store.staged, "late-1", "staging row must survive a failed window write")
}

func TestReconcileSkipsWhenWindowLockHeld(t *testing.T) {
	store := newFakeStore()
	locker := newTestLocker(t)
	require.NoError(t, NewStager(store).Stage(context.Background(), lateUsageEvent("late-1"), windowStart.Add(5*time.Minute)))

	key := lock.KeyFor(1, 2, windowStart)
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = locker.WithLock(context.Background(), key, time.Second, time.Minute, func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	r := NewReconciler(store, locker, nil, time.Minute, 100, 30*time.Second, 10*time.Millisecond, time.Minute)
	r.sweep(context.Background())
	close(release)

	require.Contains(t, store.staged, "late-1", "contended event must stay staged for the next sweep")
	require.Empty(t, store.windows)
}
