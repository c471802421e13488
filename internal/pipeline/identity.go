package pipeline

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/nao1215/astrace/internal/lookup"
	"golang.org/x/sync/singleflight"
)

// LocalInformationSource returns the public identity of the host.
// lookup.Client implements it.
type LocalInformationSource interface {
	LocalInformation(ctx context.Context) (lookup.LocalInformation, error)
}

// Identity memoizes the public identity of the measuring host. Engines of
// one batch share it so that the lookup runs once.
type Identity struct {
	source LocalInformationSource
	group  singleflight.Group

	mu   sync.RWMutex
	info *lookup.LocalInformation
}

// NewIdentity creates an identity backed by source.
func NewIdentity(source LocalInformationSource) *Identity {
	return &Identity{source: source}
}

// Info returns the local information, asking the source on first use.
// Failures are not remembered.
func (i *Identity) Info(ctx context.Context) (lookup.LocalInformation, error) {
	i.mu.RLock()
	info := i.info
	i.mu.RUnlock()
	if info != nil {
		return *info, nil
	}

	v, err, _ := i.group.Do("local", func() (any, error) {
		li, err := i.source.LocalInformation(ctx)
		if err != nil {
			return nil, err
		}
		i.mu.Lock()
		i.info = &li
		i.mu.Unlock()
		return li, nil
	})
	if err != nil {
		return lookup.LocalInformation{}, fmt.Errorf("failed to get local information: %w", err)
	}
	li, ok := v.(lookup.LocalInformation)
	if !ok {
		return lookup.LocalInformation{}, fmt.Errorf("unexpected local information value %T", v)
	}
	return li, nil
}

// PublicAddress implements PublicAddressSource.
func (i *Identity) PublicAddress(ctx context.Context) (netip.Addr, error) {
	info, err := i.Info(ctx)
	if err != nil {
		return netip.Addr{}, err
	}
	return info.Address, nil
}
