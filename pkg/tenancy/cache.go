package tenancy

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/tenancy/pkg/observability"
)

const (
	defaultNegativeCacheSize = 4096
	defaultNegativeCacheTTL  = 30 * time.Second
)

// CacheOptions configures a Cache
type CacheOptions struct {
	// NegativeSize bounds the number of remembered unknown hosts.
	// Zero uses the default; a negative value disables the negative cache.
	NegativeSize int
	// NegativeTTL is how long an unknown host is remembered
	NegativeTTL time.Duration
	// Metrics is optional
	Metrics *observability.Metrics
}

type cacheEntry struct {
	kind   MatchKind
	tenant *Tenant
}

// snapshot is never mutated after it is published
type snapshot struct {
	byID     map[int64]*Tenant
	byDomain map[string]cacheEntry
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byID:     make(map[int64]*Tenant),
		byDomain: make(map[string]cacheEntry),
	}
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		byID:     make(map[int64]*Tenant, len(s.byID)+1),
		byDomain: make(map[string]cacheEntry, len(s.byDomain)+2),
	}
	for k, v := range s.byID {
		c.byID[k] = v
	}
	for k, v := range s.byDomain {
		c.byDomain[k] = v
	}
	return c
}

// Cache is the process-wide mapping of domains and ids to tenants.
//
// Reads load the current snapshot without locking. Writers serialize on mu,
// copy the snapshot, apply their change and publish the copy, so a reader
// never sees a half-applied update. Positive entries have no TTL and no size
// bound; they leave the cache only through eviction or Clear.
type Cache struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	misses  *lru.LRU[string, struct{}]
	metrics *observability.Metrics
}

// NewCache creates an empty cache
func NewCache(opts CacheOptions) *Cache {
	c := &Cache{metrics: opts.Metrics}
	c.current.Store(emptySnapshot())

	if opts.NegativeSize >= 0 {
		size := opts.NegativeSize
		if size == 0 {
			size = defaultNegativeCacheSize
		}
		ttl := opts.NegativeTTL
		if ttl <= 0 {
			ttl = defaultNegativeCacheTTL
		}
		c.misses = lru.NewLRU[string, struct{}](size, nil, ttl)
	}
	return c
}

// Get looks up a tenant by normalized domain
func (c *Cache) Get(domain string) (MatchKind, *Tenant, bool) {
	e, ok := c.current.Load().byDomain[domain]
	if !ok {
		c.metrics.RecordTenantCacheMiss()
		return "", nil, false
	}
	c.metrics.RecordTenantCacheHit()
	return e.kind, e.tenant, true
}

// GetByID looks up a tenant by id
func (c *Cache) GetByID(id int64) (*Tenant, bool) {
	t, ok := c.current.Load().byID[id]
	return t, ok
}

// Put stores tenant under domain with the given match kind, and under its id
func (c *Cache) Put(domain string, kind MatchKind, tenant *Tenant) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.current.Load().clone()
	next.byDomain[domain] = cacheEntry{kind: kind, tenant: tenant}
	next.byID[tenant.ID] = tenant
	c.publish(next)
}

// EvictTenant removes the tenant's id key and every domain it owns
func (c *Cache) EvictTenant(t *Tenant) {
	if t == nil {
		return
	}
	c.EvictKeys(t.ID, t.Domains()...)
}

// EvictKeys removes the id key (when non-zero), the given domains and any
// other domain currently pointing at that tenant id.
func (c *Cache) EvictKeys(id int64, domains ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.current.Load().clone()
	before := len(next.byDomain)
	if id != 0 {
		delete(next.byID, id)
		for domain, e := range next.byDomain {
			if e.tenant.ID == id {
				delete(next.byDomain, domain)
			}
		}
	}
	for _, d := range domains {
		d = NormalizeDomain(d)
		delete(next.byDomain, d)
		if c.misses != nil {
			c.misses.Remove(d)
		}
	}
	c.publish(next)
	c.metrics.RecordTenantCacheEviction(before - len(next.byDomain))
}

// Clear flushes every entry, positive and negative
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := len(c.current.Load().byDomain)
	c.publish(emptySnapshot())
	if c.misses != nil {
		c.misses.Purge()
	}
	c.metrics.RecordTenantCacheEviction(evicted)
}

// Len returns the number of cached domain keys
func (c *Cache) Len() int {
	return len(c.current.Load().byDomain)
}

// IsKnownMiss reports whether domain recently failed to resolve
func (c *Cache) IsKnownMiss(domain string) bool {
	if c.misses == nil {
		return false
	}
	_, ok := c.misses.Get(domain)
	return ok
}

// RecordMiss remembers that domain did not resolve
func (c *Cache) RecordMiss(domain string) {
	if c.misses == nil {
		return
	}
	c.misses.Add(domain, struct{}{})
}

// ForgetMisses drops every negative entry. Any tenant or alias write calls
// this because a new domain may now resolve.
func (c *Cache) ForgetMisses() {
	if c.misses == nil {
		return
	}
	c.misses.Purge()
}

func (c *Cache) publish(next *snapshot) {
	c.current.Store(next)
	c.metrics.SetTenantCacheEntries(len(next.byDomain))
}
