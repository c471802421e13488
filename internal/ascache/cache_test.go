package ascache

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/astrace/internal/retry"
)

var errUnavailable = errors.New("service unavailable")

// fakeResolver answers every address with one AS derived from its last octet.
type fakeResolver struct {
	mu    sync.Mutex
	sizes []int
	gate  chan struct{}
	fail  func([]netip.Addr) error
}

func (f *fakeResolver) IPToASMappings(ctx context.Context, addrs []netip.Addr) (map[netip.Addr][]model.ASInformation, error) {
	f.mu.Lock()
	f.sizes = append(f.sizes, len(addrs))
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(addrs); err != nil {
			return nil, err
		}
	}

	out := make(map[netip.Addr][]model.ASInformation, len(addrs))
	for _, a := range addrs {
		out[a] = []model.ASInformation{{Number: 100 + int(a.As4()[3]), Kind: model.KindAS}}
	}
	return out, nil
}

func (f *fakeResolver) requestSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sizes)
}

func addrN(i int) netip.Addr {
	return netip.AddrFrom4([4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)})
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

// TestGetManyBatches tests that uncached addresses are sent in chunks of at most BatchSize.
func TestGetManyBatches(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{}
	cache := New(resolver)

	addrs := make([]netip.Addr, 0, 2500)
	for i := range 2500 {
		addrs = append(addrs, addrN(i))
	}

	got, err := cache.GetMany(context.Background(), addrs)
	if err != nil {
		t.Fatalf("GetMany() error: %v", err)
	}
	if len(got) != 2500 {
		t.Errorf("len(result) = %d, expected 2500", len(got))
	}

	sizes := resolver.requestSizes()
	if len(sizes) != 3 {
		t.Fatalf("requests = %d, expected 3", len(sizes))
	}
	slices.Sort(sizes)
	if !slices.Equal(sizes, []int{500, 1000, 1000}) {
		t.Errorf("chunk sizes = %v, expected [500 1000 1000]", sizes)
	}
	if cache.Len() != 2500 {
		t.Errorf("Len() = %d, expected 2500", cache.Len())
	}
	if s := cache.Stats(); s.Misses != 2500 || s.Requests != 3 {
		t.Errorf("Stats() = %+v", s)
	}
}

// TestGetManyHits tests that cached addresses are not requested again.
func TestGetManyHits(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{}
	cache := New(resolver)
	ctx := context.Background()

	if _, err := cache.GetMany(ctx, []netip.Addr{addrN(1), addrN(2)}); err != nil {
		t.Fatalf("GetMany() error: %v", err)
	}
	got, err := cache.GetMany(ctx, []netip.Addr{addrN(1), addrN(2), addrN(3), addrN(3)})
	if err != nil {
		t.Fatalf("GetMany() error: %v", err)
	}

	if n := len(resolver.requestSizes()); n != 2 {
		t.Errorf("requests = %d, expected 2", n)
	}
	if sizes := resolver.requestSizes(); sizes[1] != 1 {
		t.Errorf("second request size = %d, expected 1", sizes[1])
	}
	if got[addrN(3)][0].Number != 103 {
		t.Errorf("AS = %d, expected 103", got[addrN(3)][0].Number)
	}
	if s := cache.Stats(); s.Hits != 2 || s.Misses != 3 {
		t.Errorf("Stats() = %+v, expected 2 hits and 3 misses", s)
	}
}

// TestGetSingle tests a single-address lookup.
func TestGetSingle(t *testing.T) {
	t.Parallel()

	cache := New(&fakeResolver{})

	got, err := cache.Get(context.Background(), addrN(7))
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(got) != 1 || got[0].Number != 107 {
		t.Errorf("Get() = %v, expected AS107", got)
	}
}

// TestGetCoalesces tests that concurrent lookups of one address share a single request.
func TestGetCoalesces(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{gate: make(chan struct{})}
	cache := New(resolver)
	ctx := context.Background()
	addr := addrN(42)

	const callers = 10
	var wg sync.WaitGroup
	results := make([][]model.ASInformation, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = cache.Get(ctx, addr)
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		s := cache.Stats()
		if s.Misses+s.Shared == callers {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("callers did not register: %+v", s)
		}
		time.Sleep(time.Millisecond)
	}
	close(resolver.gate)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if len(results[i]) != 1 || results[i][0].Number != 142 {
			t.Errorf("caller %d got %v", i, results[i])
		}
	}
	if n := len(resolver.requestSizes()); n != 1 {
		t.Errorf("requests = %d, expected 1", n)
	}
	if s := cache.Stats(); s.Misses != 1 || s.Shared != callers-1 {
		t.Errorf("Stats() = %+v", s)
	}
}

// TestGetManyFailure tests that exhausted retries report the failed addresses and are not cached.
func TestGetManyFailure(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{fail: func([]netip.Addr) error { return errUnavailable }}
	cache := New(resolver, WithRetry(fastRetry()))

	_, err := cache.GetMany(context.Background(), []netip.Addr{addrN(1), addrN(2)})
	if !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("expected ErrLookupFailed, got %v", err)
	}
	if !errors.Is(err, errUnavailable) {
		t.Errorf("expected errUnavailable in chain, got %v", err)
	}
	var lerr *LookupFailedError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LookupFailedError, got %T", err)
	}
	if len(lerr.Addresses) != 2 {
		t.Errorf("failed addresses = %v, expected 2", lerr.Addresses)
	}
	if n := len(resolver.requestSizes()); n != 2 {
		t.Errorf("requests = %d, expected 2 attempts", n)
	}
	if cache.Len() != 0 {
		t.Errorf("Len() = %d, failures must not be cached", cache.Len())
	}
}

// TestGetManyPartial tests that successful chunks are returned alongside the error.
func TestGetManyPartial(t *testing.T) {
	t.Parallel()

	bad := addrN(3)
	resolver := &fakeResolver{fail: func(addrs []netip.Addr) error {
		if slices.Contains(addrs, bad) {
			return errUnavailable
		}
		return nil
	}}
	cache := New(resolver, WithBatchSize(2), WithRetry(fastRetry()))

	got, err := cache.GetMany(context.Background(), []netip.Addr{addrN(1), addrN(2), bad, addrN(4)})

	var lerr *LookupFailedError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LookupFailedError, got %v", err)
	}
	if !slices.Contains(lerr.Addresses, bad) || len(lerr.Addresses) != 2 {
		t.Errorf("failed addresses = %v", lerr.Addresses)
	}
	if len(got) != 2 {
		t.Errorf("len(result) = %d, expected 2", len(got))
	}
	if _, ok := got[addrN(1)]; !ok {
		t.Error("expected result for the successful chunk")
	}
	if cache.Len() != 2 {
		t.Errorf("Len() = %d, expected 2", cache.Len())
	}
}

// TestGetManyEmptyAnswer tests that an address without AS maps to an empty list.
func TestGetManyEmptyAnswer(t *testing.T) {
	t.Parallel()

	resolver := &emptyResolver{}
	cache := New(resolver)

	got, err := cache.GetMany(context.Background(), []netip.Addr{addrN(9)})
	if err != nil {
		t.Fatalf("GetMany() error: %v", err)
	}
	m, ok := got[addrN(9)]
	if !ok || m == nil || len(m) != 0 {
		t.Errorf("result = %v (present %t), expected empty list", m, ok)
	}
}

type emptyResolver struct{}

func (emptyResolver) IPToASMappings(context.Context, []netip.Addr) (map[netip.Addr][]model.ASInformation, error) {
	return map[netip.Addr][]model.ASInformation{}, nil
}
