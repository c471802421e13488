// Package resultcache keeps recent results per destination address so that
// repeated measurements of one destination reuse the finished result.
package resultcache

import (
	"net/netip"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/nao1215/astrace/internal/model"
)

// DefaultTTL is how long a result is reused.
const DefaultTTL = 10 * time.Minute

// Cache maps destination addresses to finished results.
type Cache struct {
	items *gocache.Cache
}

// New creates a cache whose entries expire after ttl. A non-positive ttl
// selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{items: gocache.New(ttl, 2*ttl)}
}

// Get returns a copy of the result stored for addr, marked as cached.
func (c *Cache) Get(addr netip.Addr) (*model.Result, bool) {
	if c == nil || !addr.IsValid() {
		return nil, false
	}
	v, ok := c.items.Get(addr.String())
	if !ok {
		return nil, false
	}
	r, ok := v.(*model.Result)
	if !ok {
		return nil, false
	}
	out := r.Snapshot()
	out.Cached = true
	return out, true
}

// Set stores a completed result under its destination address. Results
// that are not completed or have no destination address are ignored.
func (c *Cache) Set(r *model.Result) {
	if c == nil || r == nil || r.Status != model.StatusCompleted || !r.DestinationAddress.IsValid() {
		return
	}
	c.items.SetDefault(r.DestinationAddress.String(), r.Snapshot())
}

// Len returns the number of stored results, expired ones included until
// they are cleaned up.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.items.ItemCount()
}
