package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rdpk/metering/internal/models"
	"github.com/rdpk/metering/internal/resilience"
)

// listKey is the single Redis list holding events accepted on the hot path
// but not yet persisted to Postgres.
const listKey = "events:pending:list"

// Entry pairs a decoded event with the exact serialized payload it was stored
// under. Removal matches on the raw payload, so the bytes must round-trip
// unchanged between Peek and Remove.
type Entry struct {
	Event models.UsageEvent
	Raw   string
}

// Buffer is the durable hot-path event buffer: ingestion appends, the batch
// persister peeks a batch, writes it to Postgres, and only then removes it.
// An entry is never removed before its database write succeeds.
type Buffer struct {
	client *redis.Client
	policy *resilience.Policy
}

func New(client *redis.Client, policy *resilience.Policy) *Buffer {
	return &Buffer{client: client, policy: policy}
}

// Append serializes the event onto the tail of the pending list.
func (b *Buffer) Append(ctx context.Context, ev models.UsageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}
	return b.execute(ctx, func(ctx context.Context) error {
		if err := b.client.RPush(ctx, listKey, payload).Err(); err != nil {
			return fmt.Errorf("append event %s: %w", ev.EventID, err)
		}
		return nil
	})
}

// Peek reads up to n entries from the head of the list without removing them.
// Payloads that fail to decode are logged and skipped; they stay in the list.
func (b *Buffer) Peek(ctx context.Context, n int) ([]Entry, error) {
	var raw []string
	err := b.execute(ctx, func(ctx context.Context) error {
		var err error
		raw, err = b.client.LRange(ctx, listKey, 0, int64(n)-1).Result()
		if err != nil {
			return fmt.Errorf("read pending events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raw))
	for _, payload := range raw {
		var ev models.UsageEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			slog.Error("skipping corrupt buffered event",
				slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, Entry{Event: ev, Raw: payload})
	}
	return entries, nil
}

// Remove deletes the given entries after they were persisted. Each removal
// matches the first occurrence of the exact payload, so duplicate events
// appended twice are removed one at a time.
func (b *Buffer) Remove(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return b.execute(ctx, func(ctx context.Context) error {
		pipe := b.client.Pipeline()
		for _, e := range entries {
			pipe.LRem(ctx, listKey, 1, e.Raw)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("remove persisted events: %w", err)
		}
		return nil
	})
}

// Len reports the number of buffered events.
func (b *Buffer) Len(ctx context.Context) (int64, error) {
	var n int64
	err := b.execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = b.client.LLen(ctx, listKey).Result()
		if err != nil {
			return fmt.Errorf("buffer length: %w", err)
		}
		return nil
	})
	return n, err
}

func (b *Buffer) execute(ctx context.Context, op func(context.Context) error) error {
	if b.policy == nil {
		return op(ctx)
	}
	return b.policy.Execute(ctx, op)
}
