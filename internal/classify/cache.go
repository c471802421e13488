package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nao1215/astrace/internal/lookup"
	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/astrace/internal/retry"
	"golang.org/x/sync/singleflight"
)

// Source answers relationship queries for one AS pair. lookup.Client implements it.
type Source interface {
	ASRelationship(ctx context.Context, as0, as1 int) (model.RelationshipType, error)
}

// BulkSource answers relationship queries for many pairs in one request.
type BulkSource interface {
	ASRelationships(ctx context.Context, pairs []lookup.Pair) (map[lookup.Pair]model.RelationshipType, error)
}

// RelationshipCache memoizes relationship lookups. Concurrent lookups of the
// same pair share one remote request. Failed lookups are not stored.
type RelationshipCache struct {
	source Source
	retry  retry.Config
	logger *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[lookup.Pair]model.RelationshipType

	requests atomic.Int64
}

// CacheOption configures a RelationshipCache.
type CacheOption func(*RelationshipCache)

// WithCacheRetry sets the retry policy of every lookup.
func WithCacheRetry(cfg retry.Config) CacheOption {
	return func(c *RelationshipCache) {
		c.retry = cfg
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *RelationshipCache) {
		c.logger = logger
	}
}

// NewRelationshipCache creates an empty cache backed by source.
func NewRelationshipCache(source Source, opts ...CacheOption) *RelationshipCache {
	c := &RelationshipCache{
		source:  source,
		retry:   retry.DefaultConfig(),
		logger:  slog.Default(),
		entries: make(map[lookup.Pair]model.RelationshipType),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RelationshipCache) get(p lookup.Pair) (model.RelationshipType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[p]
	return t, ok
}

func (c *RelationshipCache) put(p lookup.Pair, t model.RelationshipType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p] = t
}

// Lookup returns the relationship of as0 towards as1.
func (c *RelationshipCache) Lookup(ctx context.Context, as0, as1 int) (model.RelationshipType, error) {
	pair := lookup.Pair{AS0: as0, AS1: as1}
	if t, ok := c.get(pair); ok {
		return t, nil
	}

	key := strconv.Itoa(as0) + "-" + strconv.Itoa(as1)
	// The call is shared by every waiter, so it does not stop when the
	// caller that started it goes away. Each caller waits on its own context.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if t, ok := c.get(pair); ok {
			return t, nil
		}

		var t model.RelationshipType
		_, err := retry.Do(shared, c.retry, func(ctx context.Context, _ int) error {
			c.requests.Add(1)
			var err error
			t, err = c.source.ASRelationship(ctx, as0, as1)
			return err
		})
		if err != nil {
			return nil, err
		}
		c.put(pair, t)
		return t, nil
	})

	var v any
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-ch:
		v, err = res.Val, res.Err
	}
	if err != nil {
		return model.RelationshipNF, fmt.Errorf("failed to look up relationship AS%d-AS%d: %w", as0, as1, err)
	}

	t, ok := v.(model.RelationshipType)
	if !ok {
		return model.RelationshipNF, fmt.Errorf("unexpected relationship value %T", v)
	}
	return t, nil
}

// Prefetch stores the relationships of every uncached pair using one bulk
// request when the source supports it. Pairs the answer leaves out are looked
// up one by one later.
func (c *RelationshipCache) Prefetch(ctx context.Context, pairs []lookup.Pair) error {
	bulk, ok := c.source.(BulkSource)
	if !ok {
		return nil
	}

	missing := make([]lookup.Pair, 0, len(pairs))
	seen := make(map[lookup.Pair]struct{}, len(pairs))
	for _, p := range pairs {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, cached := c.get(p); !cached {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var answer map[lookup.Pair]model.RelationshipType
	_, err := retry.Do(ctx, c.retry, func(ctx context.Context, _ int) error {
		c.requests.Add(1)
		var err error
		answer, err = bulk.ASRelationships(ctx, missing)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to prefetch %d relationships: %w", len(missing), err)
	}

	for p, t := range answer {
		c.put(p, t)
	}
	c.logger.Debug("prefetched relationships", "requested", len(missing), "received", len(answer))
	return nil
}

// Len returns the number of stored relationships.
func (c *RelationshipCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Requests returns the number of remote requests made so far.
func (c *RelationshipCache) Requests() int64 {
	return c.requests.Load()
}
