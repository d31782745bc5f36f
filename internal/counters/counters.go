package counters

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rdpk/metering/internal/models"
	"github.com/rdpk/metering/internal/resilience"
)

// Snapshot is the live counter state for one (tenant, customer) pair.
type Snapshot struct {
	Calls        int64
	Tokens       int64
	InputTokens  int64
	OutputTokens int64
}

type keyset struct {
	calls        string
	tokens       string
	inputTokens  string
	outputTokens string
}

func keysFor(tenantID, customerID int64) keyset {
	prefix := fmt.Sprintf("metering:tenant:%d:customer:%d:", tenantID, customerID)
	return keyset{
		calls:        prefix + "calls",
		tokens:       prefix + "tokens",
		inputTokens:  prefix + "inputTokens",
		outputTokens: prefix + "outputTokens",
	}
}

// Counters maintains the hot-path live counters in Redis. Increments are
// atomic INCRBYs issued in one pipeline, so concurrent ingesters never lose
// updates. Counters carry no expiry; they live until the aggregation
// scheduler clears them.
type Counters struct {
	client *redis.Client
	policy *resilience.Policy
}

func New(client *redis.Client, policy *resilience.Policy) *Counters {
	return &Counters{client: client, policy: policy}
}

// Add folds one event into the pair's counters.
func (c *Counters) Add(ctx context.Context, ev models.UsageEvent) error {
	k := keysFor(ev.TenantID, ev.CustomerID)
	return c.execute(ctx, func(ctx context.Context) error {
		pipe := c.client.Pipeline()
		pipe.IncrBy(ctx, k.calls, 1)
		pipe.IncrBy(ctx, k.tokens, ev.TotalTokens())
		pipe.IncrBy(ctx, k.inputTokens, ev.InputTokens)
		pipe.IncrBy(ctx, k.outputTokens, ev.OutputTokens)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("increment counters: %w", err)
		}
		return nil
	})
}

// Get reads the pair's counters. Missing keys read as zero.
func (c *Counters) Get(ctx context.Context, tenantID, customerID int64) (Snapshot, error) {
	k := keysFor(tenantID, customerID)
	var snap Snapshot
	err := c.execute(ctx, func(ctx context.Context) error {
		vals, err := c.client.MGet(ctx, k.calls, k.tokens, k.inputTokens, k.outputTokens).Result()
		if err != nil {
			return fmt.Errorf("read counters: %w", err)
		}
		fields := []*int64{&snap.Calls, &snap.Tokens, &snap.InputTokens, &snap.OutputTokens}
		for i, v := range vals {
			*fields[i] = parseCounter(v)
		}
		return nil
	})
	return snap, err
}

// Clear deletes the pair's counters after their window has been aggregated.
func (c *Counters) Clear(ctx context.Context, tenantID, customerID int64) error {
	k := keysFor(tenantID, customerID)
	return c.execute(ctx, func(ctx context.Context) error {
		if err := c.client.Del(ctx, k.calls, k.tokens, k.inputTokens, k.outputTokens).Err(); err != nil {
			return fmt.Errorf("clear counters: %w", err)
		}
		return nil
	})
}

func (c *Counters) execute(ctx context.Context, op func(context.Context) error) error {
	if c.policy == nil {
		return op(ctx)
	}
	return c.policy.Execute(ctx, op)
}

func parseCounter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
