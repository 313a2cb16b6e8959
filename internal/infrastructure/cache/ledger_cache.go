package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsledger/opsledger/internal/domain/audit"
)

const (
	tailKey = "opsledger:chain:tail"

	summaryPrefix = "opsledger:"

	defaultTailTTL = time.Minute
)

// LedgerCache caches the chain tail and record summaries in Redis. It backs
// the read side only; the writer always trusts the store, so a stale or
// missing cache entry costs a query, never correctness.
type LedgerCache struct {
	client  *redis.Client
	tailTTL time.Duration
}

func NewLedgerCache(client *redis.Client) *LedgerCache {
	return &LedgerCache{
		client:  client,
		tailTTL: defaultTailTTL,
	}
}

// SetTail stores the current chain tail.
func (c *LedgerCache) SetTail(ctx context.Context, tail audit.ChainTail) error {
	data, err := json.Marshal(tail)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, tailKey, data, c.tailTTL).Err()
}

// GetTail returns the cached tail if present.
func (c *LedgerCache) GetTail(ctx context.Context) (audit.ChainTail, bool, error) {
	data, err := c.client.Get(ctx, tailKey).Bytes()
	if err == redis.Nil {
		return audit.ChainTail{}, false, nil
	}
	if err != nil {
		return audit.ChainTail{}, false, err
	}

	var tail audit.ChainTail
	if err := json.Unmarshal(data, &tail); err != nil {
		// A corrupt cache entry is treated as a miss.
		_ = c.client.Del(ctx, tailKey).Err()
		return audit.ChainTail{}, false, nil
	}
	return tail, true, nil
}

// Invalidate drops the cached tail.
func (c *LedgerCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, tailKey).Err()
}

// SetSummary stores an aggregate under the given key.
func (c *LedgerCache) SetSummary(ctx context.Context, key string, summary *audit.Summary, ttl time.Duration) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, summaryPrefix+key, data, ttl).Err()
}

// GetSummary returns the cached aggregate if present.
func (c *LedgerCache) GetSummary(ctx context.Context, key string) (*audit.Summary, bool, error) {
	data, err := c.client.Get(ctx, summaryPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary audit.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		_ = c.client.Del(ctx, summaryPrefix+key).Err()
		return nil, false, nil
	}
	return &summary, true, nil
}
