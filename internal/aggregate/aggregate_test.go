package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rdpk/metering/internal/counters"
	"github.com/rdpk/metering/internal/lock"
	"github.com/rdpk/metering/internal/models"
	"github.com/rdpk/metering/internal/timeutil"
)

type fakeStore struct {
	mu          sync.Mutex
	pairs       []models.TenantCustomer
	events      map[string][]models.UsageEvent
	windows     map[string]models.AggregationWindow
	upserts     int
	upsertDelay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:  make(map[string][]models.UsageEvent),
		windows: make(map[string]models.AggregationWindow),
	}
}

func pairKey(tenantID, customerID int64) string {
	return fmt.Sprintf("%d/%d", tenantID, customerID)
}

func windowKey(tenantID, customerID int64, start time.Time) string {
	return fmt.Sprintf("%d/%d/%d", tenantID, customerID, start.Unix())
}

func (f *fakeStore) ListActiveTenantCustomers(ctx context.Context) ([]models.TenantCustomer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.TenantCustomer(nil), f.pairs...), nil
}

func (f *fakeStore) WindowExists(ctx context.Context, tenantID, customerID int64, windowStart time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.windows[windowKey(tenantID, customerID, windowStart)]
	return ok, nil
}

func (f *fakeStore) UpsertWindow(ctx context.Context, w models.AggregationWindow) error {
	time.Sleep(f.upsertDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.windows[windowKey(w.TenantID, w.CustomerID, w.WindowStart)] = w
	return nil
}

func (f *fakeStore) EventsInWindow(ctx context.Context, tenantID, customerID int64, w timeutil.Window) ([]models.UsageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var inside []models.UsageEvent
	for _, ev := range f.events[pairKey(tenantID, customerID)] {
		if w.Contains(ev.Timestamp) {
			inside = append(inside, ev)
		}
	}
	return inside, nil
}

type fakeCounterStore struct {
	mu      sync.Mutex
	snaps   map[string]counters.Snapshot
	cleared map[string]bool
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{
		snaps:   make(map[string]counters.Snapshot),
		cleared: make(map[string]bool),
	}
}

func (f *fakeCounterStore) Get(ctx context.Context, tenantID, customerID int64) (counters.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snaps[pairKey(tenantID, customerID)], nil
}

func (f *fakeCounterStore) Clear(ctx context.Context, tenantID, customerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snaps, pairKey(tenantID, customerID))
	f.cleared[pairKey(tenantID, customerID)] = true
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

func latency(ms int32) *int32 { return &ms }

var testWindow = timeutil.Window{
	Start: time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC),
	End:   time.Date(2025, time.June, 1, 12, 0, 30, 0, time.UTC),
}

func windowEvent(id, endpoint, model string, lat *int32) models.UsageEvent {
	return models.UsageEvent{
		EventID:      id,
		TenantID:     1,
		CustomerID:   2,
		Timestamp:    testWindow.Start.Add(5 * time.Second),
		Endpoint:     endpoint,
		Model:        model,
		InputTokens:  100,
		OutputTokens: 50,
		LatencyMs:    lat,
	}
}

func TestComputeTotalsComeFromCounters(t *testing.T) {
	snap := counters.Snapshot{Calls: 3, Tokens: 450, InputTokens: 300, OutputTokens: 150}
	// Only two events persisted yet; the third is still buffered.
	events := []models.UsageEvent{
		windowEvent("a", "/api/completion", "gpt-4", latency(100)),
		windowEvent("b", "/api/completion", "", latency(300)),
	}

	result := Compute(snap, events)
	require.Equal(t, int64(3), result.TotalCalls)
	require.Equal(t, int64(450), result.TotalTokens)
	require.NotNil(t, result.AvgLatencyMs)
	require.InDelta(t, 200.0, *result.AvgLatencyMs, 0.001)
	require.Equal(t, models.GroupStats{Calls: 2, Tokens: 300}, result.ByEndpoint["/api/completion"])
	require.Equal(t, models.GroupStats{Calls: 1, Tokens: 150}, result.ByModel["gpt-4"])
	require.NotContains(t, result.ByModel, "", "events without a model stay out of the model split")
}

func TestComputeWithoutLatenciesLeavesAvgNil(t *testing.T) {
	result := Compute(counters.Snapshot{Calls: 1}, []models.UsageEvent{
		windowEvent("a", "/api/completion", "", nil),
	})
	require.Nil(t, result.AvgLatencyMs)
}

func TestComputeFromEvents(t *testing.T) {
	events := []models.UsageEvent{
		windowEvent("a", "/api/completion", "gpt-4", latency(50)),
		windowEvent("b", "/api/embedding", "gpt-4", nil),
	}

	result := ComputeFromEvents(events)
	require.Equal(t, int64(2), result.TotalCalls)
	require.Equal(t, int64(300), result.TotalTokens)
	require.Equal(t, int64(200), result.TotalInputTokens)
	require.Equal(t, int64(100), result.TotalOutputTokens)
	require.Equal(t, models.GroupStats{Calls: 2, Tokens: 300}, result.ByModel["gpt-4"])
}

func TestProcessWindowCreatesAggregateAndClearsCounters(t *testing.T) {
	store := newFakeStore()
	cs := newFakeCounterStore()
	cs.snaps[pairKey(1, 2)] = counters.Snapshot{Calls: 1, Tokens: 150, InputTokens: 100, OutputTokens: 50}
	store.events[pairKey(1, 2)] = []models.UsageEvent{
		windowEvent("a", "/api/completion", "gpt-4", latency(120)),
	}

	p := NewProcessor(store, cs, newTestLocker(t), nil, time.Second, time.Minute)
	tc := models.TenantCustomer{TenantID: 1, CustomerID: 2}
	require.NoError(t, p.ProcessWindow(context.Background(), tc, testWindow))

	w, ok := store.windows[windowKey(1, 2, testWindow.Start)]
	require.True(t, ok, "window must be created")
	require.Equal(t, testWindow.End, w.WindowEnd)

	var result models.AggregationResult
	require.NoError(t, json.Unmarshal(w.Data, &result))
	require.Equal(t, int64(1), result.TotalCalls)
	require.Equal(t, int64(150), result.TotalTokens)

	require.True(t, cs.cleared[pairKey(1, 2)], "counters must be cleared after aggregation")
}

func TestProcessWindowSkipsExisting(t *testing.T) {
	store := newFakeStore()
	store.windows[windowKey(1, 2, testWindow.Start)] = models.AggregationWindow{}
	cs := newFakeCounterStore()
	cs.snaps[pairKey(1, 2)] = counters.Snapshot{Calls: 5}

	p := NewProcessor(store, cs, newTestLocker(t), nil, time.Second, time.Minute)
	tc := models.TenantCustomer{TenantID: 1, CustomerID: 2}
	require.NoError(t, p.ProcessWindow(context.Background(), tc, testWindow))

	require.Zero(t, store.upserts)
	require.False(t, cs.cleared[pairKey(1, 2)])
}

func TestProcessWindowSkipsIdlePair(t *testing.T) {
	store := newFakeStore()
	cs := newFakeCounterStore()

	p := NewProcessor(store, cs, newTestLocker(t), nil, time.Second, time.Minute)
	tc := models.TenantCustomer{TenantID: 1, CustomerID: 2}
	require.NoError(t, p.ProcessWindow(context.Background(), tc, testWindow))

	require.Zero(t, store.upserts, "idle pairs must not materialize windows")
}

func TestProcessWindowAtMostOnceUnderContention(t *testing.T) {
	store := newFakeStore()
	store.upsertDelay = 50 * time.Millisecond
	cs := newFakeCounterStore()
	cs.snaps[pairKey(1, 2)] = counters.Snapshot{Calls: 1, Tokens: 10}

	locker := newTestLocker(t)
	tc := models.TenantCustomer{TenantID: 1, CustomerID: 2}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := NewProcessor(store, cs, locker, nil, 5*time.Millisecond, time.Minute)
			require.NoError(t, p.ProcessWindow(context.Background(), tc, testWindow))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, store.upserts, "contending instances must create the window at most once")
}

func TestSchedulerTickSweepsAllPairs(t *testing.T) {
	store := newFakeStore()
	store.pairs = []models.TenantCustomer{
		{TenantID: 1, CustomerID: 2},
		{TenantID: 3, CustomerID: 4},
	}
	cs := newFakeCounterStore()
	cs.snaps[pairKey(1, 2)] = counters.Snapshot{Calls: 1}
	cs.snaps[pairKey(3, 4)] = counters.Snapshot{Calls: 2}

	p := NewProcessor(store, cs, newTestLocker(t), nil, time.Second, time.Minute)
	s := NewScheduler(p, store, time.Second, 30*time.Second)
	s.now = func() time.Time { return testWindow.End.Add(time.Second) }

	s.tick(context.Background())

	require.Equal(t, 2, store.upserts)
	require.Contains(t, store.windows, windowKey(1, 2, testWindow.Start))
	require.Contains(t, store.windows, windowKey(3, 4, testWindow.Start))
}
