// Package tracker keeps batch snapshots so that progress can be read back by
// ID while a batch runs and after it finishes.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/pixq/internal/batch"
	"github.com/nadmax/pixq/internal/repository"
	"github.com/redis/go-redis/v9"
)

const (
	batchesKey = "pixq:batches"
	indexKey   = "pixq:batch_index"
)

// RedisTracker stores batches as JSON in a hash, indexed by creation time in
// a sorted set.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker wraps client. Finished batches are kept for ttl; zero keeps
// them until explicitly deleted.
func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, ttl: ttl}
}

func (t *RedisTracker) Save(ctx context.Context, b *batch.Batch) error {
	data, err := b.ToJSON()
	if err != nil {
		return err
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, batchesKey, b.ID, data)
		pipe.ZAdd(ctx, indexKey, redis.Z{
			Score:  float64(b.CreatedAt.UnixMilli()),
			Member: b.ID,
		})
		return nil
	})
	return err
}

func (t *RedisTracker) Get(ctx context.Context, id string) (*batch.Batch, error) {
	data, err := t.client.HGet(ctx, batchesKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("batch %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return batch.FromJSON(data)
}

// List returns up to limit batches, newest first. A limit of zero or less
// returns every batch.
func (t *RedisTracker) List(ctx context.Context, limit int) ([]*batch.Batch, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := t.client.ZRevRange(ctx, indexKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*batch.Batch{}, nil
	}

	values, err := t.client.HMGet(ctx, batchesKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	batches := make([]*batch.Batch, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		b, err := batch.FromJSON(data)
		if err != nil {
			continue
		}
		batches = append(batches, b)
	}

	return batches, nil
}

// Prune drops finished batches older than the tracker's ttl and returns how
// many were removed.
func (t *RedisTracker) Prune(ctx context.Context, now time.Time) (int, error) {
	if t.ttl <= 0 {
		return 0, nil
	}

	cutoff := now.Add(-t.ttl).UnixMilli()
	ids, err := t.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		b, err := t.Get(ctx, id)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return removed, err
		}
		if b != nil && !b.Finished() {
			continue
		}

		if _, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, batchesKey, id)
			pipe.ZRem(ctx, indexKey, id)
			return nil
		}); err != nil {
			return removed, err
		}
		removed++
	}

	return removed, nil
}

// MemoryTracker is an in-process tracker for single-run tools.
type MemoryTracker struct {
	mu      sync.RWMutex
	batches map[string]*batch.Batch
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{batches: make(map[string]*batch.Batch)}
}

func (t *MemoryTracker) Save(ctx context.Context, b *batch.Batch) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.batches[b.ID] = b.Clone()
	return nil
}

func (t *MemoryTracker) Get(ctx context.Context, id string) (*batch.Batch, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, repository.ErrNotFound)
	}
	return b.Clone(), nil
}

func (t *MemoryTracker) List(ctx context.Context, limit int) ([]*batch.Batch, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	batches := make([]*batch.Batch, 0, len(t.batches))
	for _, b := range t.batches {
		batches = append(batches, b.Clone())
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].CreatedAt.After(batches[j].CreatedAt) })

	if limit > 0 && len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}
