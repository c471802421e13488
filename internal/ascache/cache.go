// Package ascache memoizes IP->AS lookups for one engine run.
//
// The cache batches uncached addresses into bounded chunks, retries each
// chunk with exponential backoff and coalesces concurrent requests so that at
// most one remote request is in flight per address. Successful answers are
// kept for the life of the cache; failures are never stored.
package ascache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nao1215/astrace/internal/metrics"
	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/astrace/internal/retry"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the largest number of addresses sent in one request.
	DefaultBatchSize = 1000

	// DefaultConcurrency is the number of chunks requested in parallel.
	DefaultConcurrency = 4
)

// ErrLookupFailed is wrapped by every LookupFailedError.
var ErrLookupFailed = errors.New("IP to AS lookup failed")

// LookupFailedError lists the addresses whose lookups exhausted their retries.
type LookupFailedError struct {
	Addresses []netip.Addr
	Err       error
}

// Error implements error.
func (e *LookupFailedError) Error() string {
	return fmt.Sprintf("%s for %d addresses: %v", ErrLookupFailed, len(e.Addresses), e.Err)
}

// Unwrap returns ErrLookupFailed and the last remote error.
func (e *LookupFailedError) Unwrap() []error {
	return []error{ErrLookupFailed, e.Err}
}

// Resolver performs bulk IP->AS lookups. lookup.Client implements it.
type Resolver interface {
	IPToASMappings(ctx context.Context, addrs []netip.Addr) (map[netip.Addr][]model.ASInformation, error)
}

// entry is a stored answer.
type entry struct {
	mapping    []model.ASInformation
	lastAccess time.Time
}

// call is an in-flight lookup of one address.
type call struct {
	done    chan struct{}
	mapping []model.ASInformation
	err     error
}

// Cache is a concurrency-safe IP->AS cache.
type Cache struct {
	resolver    Resolver
	batchSize   int
	concurrency int
	retry       retry.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	entries  map[netip.Addr]*entry
	inflight map[netip.Addr]*call

	hits     atomic.Int64
	misses   atomic.Int64
	shared   atomic.Int64
	requests atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithBatchSize sets the maximum number of addresses per request.
func WithBatchSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithConcurrency sets how many chunks are requested in parallel.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRetry sets the retry policy of every chunk.
func WithRetry(cfg retry.Config) Option {
	return func(c *Cache) {
		c.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics records hits, misses and shared lookups in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates an empty cache backed by resolver.
func New(resolver Resolver, opts ...Option) *Cache {
	c := &Cache{
		resolver:    resolver,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		retry:       retry.DefaultConfig(),
		logger:      slog.Default(),
		entries:     make(map[netip.Addr]*entry),
		inflight:    make(map[netip.Addr]*call),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the candidate ASes of one address.
func (c *Cache) Get(ctx context.Context, addr netip.Addr) ([]model.ASInformation, error) {
	res, err := c.GetMany(ctx, []netip.Addr{addr})
	if err != nil {
		return nil, err
	}
	return res[addr], nil
}

// GetMany returns the candidate ASes of every address. When some lookups
// fail, the answers that did succeed are returned together with a
// *LookupFailedError naming the failed addresses. A done context returns the
// context error, again with whatever answers are available.
func (c *Cache) GetMany(ctx context.Context, addrs []netip.Addr) (map[netip.Addr][]model.ASInformation, error) {
	result := make(map[netip.Addr][]model.ASInformation, len(addrs))
	waits := make(map[netip.Addr]*call)
	var mine []netip.Addr
	owned := make(map[netip.Addr]*call)

	c.mu.Lock()
	now := time.Now()
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		if _, ok := result[a]; ok {
			continue
		}
		if _, ok := waits[a]; ok {
			continue
		}
		if _, ok := owned[a]; ok {
			continue
		}
		if e, ok := c.entries[a]; ok {
			e.lastAccess = now
			result[a] = e.mapping
			continue
		}
		if cl, ok := c.inflight[a]; ok {
			waits[a] = cl
			continue
		}
		cl := &call{done: make(chan struct{})}
		c.inflight[a] = cl
		owned[a] = cl
		mine = append(mine, a)
	}
	c.mu.Unlock()

	c.count(metrics.CacheHit, &c.hits, len(result))
	c.count(metrics.CacheShared, &c.shared, len(waits))
	c.count(metrics.CacheMiss, &c.misses, len(mine))

	failed, lastErr := c.fetch(ctx, mine, owned)
	for _, a := range mine {
		cl := owned[a]
		if cl.err == nil {
			result[a] = cl.mapping
		}
	}

	for a, cl := range waits {
		select {
		case <-cl.done:
		case <-ctx.Done():
			return result, ctx.Err()
		}
		if cl.err != nil {
			failed = append(failed, a)
			lastErr = cl.err
			continue
		}
		result[a] = cl.mapping
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if len(failed) > 0 {
		return result, &LookupFailedError{Addresses: failed, Err: lastErr}
	}
	return result, nil
}

// fetch requests the owned addresses in chunks and completes their calls.
func (c *Cache) fetch(ctx context.Context, addrs []netip.Addr, owned map[netip.Addr]*call) ([]netip.Addr, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		failed  []netip.Addr
		lastErr error
	)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for start := 0; start < len(addrs); start += c.batchSize {
		chunk := addrs[start:min(start+c.batchSize, len(addrs))]
		g.Go(func() error {
			mapping, err := c.fetchChunk(ctx, chunk)
			c.complete(chunk, owned, mapping, err)
			if err != nil {
				mu.Lock()
				failed = append(failed, chunk...)
				lastErr = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // chunk failures are collected above

	return failed, lastErr
}

// fetchChunk performs one chunk request with retries.
func (c *Cache) fetchChunk(ctx context.Context, chunk []netip.Addr) (map[netip.Addr][]model.ASInformation, error) {
	var mapping map[netip.Addr][]model.ASInformation
	res, err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		c.requests.Add(1)
		m, err := c.resolver.IPToASMappings(ctx, chunk)
		if err != nil {
			c.logger.Debug("IP to AS request failed",
				"addresses", len(chunk),
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		mapping = m
		return nil
	})
	if err != nil {
		c.logger.Warn("IP to AS lookup gave up",
			"addresses", len(chunk),
			"attempts", res.Attempts,
			"error", err,
		)
		return nil, err
	}
	return mapping, nil
}

// complete stores successful answers and wakes every waiter of the chunk.
func (c *Cache) complete(chunk []netip.Addr, owned map[netip.Addr]*call, mapping map[netip.Addr][]model.ASInformation, err error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range chunk {
		cl := owned[a]
		delete(c.inflight, a)
		if err != nil {
			cl.err = err
		} else {
			m := mapping[a]
			if m == nil {
				m = []model.ASInformation{}
			}
			cl.mapping = m
			c.entries[a] = &entry{mapping: m, lastAccess: now}
		}
		close(cl.done)
	}
}

func (c *Cache) count(result string, counter *atomic.Int64, n int) {
	if n == 0 {
		return
	}
	counter.Add(int64(n))
	c.metrics.AddCacheLookups(result, n)
}

// Len returns the number of stored addresses.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats are the cache counters.
type Stats struct {
	Hits     int64
	Misses   int64
	Shared   int64
	Requests int64
}

// Stats returns the counters accumulated so far.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Shared:   c.shared.Load(),
		Requests: c.requests.Load(),
	}
}
