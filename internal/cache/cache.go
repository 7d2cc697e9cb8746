// Package cache implements the freshness-aware rowset cache.
//
// Entries are keyed by (tenant, source, table, canonical-filter-hash) so
// that the same fetch with filters written in a different order lands on
// the same entry. Each tenant owns an LRU-bounded segment; one tenant's
// queries can never evict another tenant's entries. Concurrent misses for
// the same key coalesce into a single upstream fetch via singleflight.
//
// The freshness contract, per query max_staleness M:
//   - M = 0: bypass reads entirely, always fetch, always write back.
//   - M > 0, entry age <= M: serve cached.
//   - M > 0, entry older than M: fetch live; on success replace the entry.
//     On a transient failure (throttled, timeout) an entry no older than
//     the source's hard staleness cap is served with the stale flag set.
//   - M > 0, no entry, fetch fails: the fetch error surfaces.
//
// An entry past its source's hard staleness cap is treated as absent on
// read and removed by the sweeper, so the cache never serves beyond the
// cap no matter what the caller asked for.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/metrics"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/qerr"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// Entry is one cached rowset.
type Entry struct {
	rowset    *types.Rowset
	createdAt time.Time
	hardCap   time.Duration
	hitCount  atomic.Int64
}

type tenantSegment struct {
	lru *lru.Cache[string, *Entry]

	mu          sync.Mutex
	hits        int64
	misses      int64
	staleServes int64
}

// Stats is a per-tenant counter snapshot.
type Stats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServes int64 `json:"stale_serves"`
}

// Cache is the process-wide freshness cache. Safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	tenants   map[string]*tenantSegment
	perTenant int

	group   singleflight.Group
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a cache holding at most perTenant entries per tenant.
func New(perTenant int, m *metrics.Metrics) *Cache {
	return &Cache{
		tenants:   make(map[string]*tenantSegment),
		perTenant: perTenant,
		metrics:   m,
		now:       time.Now,
	}
}

// SetNow overrides the clock; tests only.
func (c *Cache) SetNow(now func() time.Time) { c.now = now }

func (c *Cache) segment(tenant string) *tenantSegment {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seg, ok := c.tenants[tenant]; ok {
		return seg
	}
	l, err := lru.New[string, *Entry](c.perTenant)
	if err != nil {
		// Only possible with a non-positive size, which New's callers
		// validate; treat as a programming error.
		panic(fmt.Sprintf("cache: bad per-tenant size %d: %v", c.perTenant, err))
	}
	seg := &tenantSegment{lru: l}
	c.tenants[tenant] = seg
	return seg
}

// Key computes the canonical cache key. Filters are sorted by column name
// and serialized with a stable encoding before hashing, so the same filter
// set in any order collides.
func Key(tenant, source, table string, filters map[string]types.Filter) string {
	return tenant + "|" + source + "|" + table + "|" + filterHash(filters)
}

func filterHash(filters map[string]types.Filter) string {
	cols := make([]string, 0, len(filters))
	for col := range filters {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	h := sha256.New()
	for _, col := range cols {
		f := filters[col]
		fmt.Fprintf(h, "%s\x00%s\x00", col, f.Op)
		if f.Op == types.OpIn {
			// List order is part of the SQL text but not of the filter's
			// meaning; sort for a stable encoding.
			vals := make([]string, len(f.Literal.List))
			for i, v := range f.Literal.List {
				vals[i] = fmt.Sprintf("%v", v)
			}
			sort.Strings(vals)
			fmt.Fprintf(h, "%s\x00", strings.Join(vals, "\x01"))
			continue
		}
		fmt.Fprintf(h, "%v\x00", f.Literal.Value)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Lookup names the entry a fetch wants and its freshness requirements.
type Lookup struct {
	Tenant  string
	Source  string
	Table   string
	Filters map[string]types.Filter
	// MaxStaleness is the per-query bound; Bypass skips cache reads (the
	// max_staleness_ms = 0 case) while still writing back.
	MaxStaleness time.Duration
	Bypass       bool
	// HardCap is the source's staleness ceiling.
	HardCap time.Duration
}

// Result describes how the rowset was obtained.
type Result struct {
	Rowset    *types.Rowset
	FromCache bool
	Age       time.Duration
	// Stale is set when a too-old entry was served because upstream
	// failed transiently.
	Stale bool
}

// FetchFunc performs the live fetch on a miss.
type FetchFunc func(ctx context.Context) (*types.Rowset, error)

// GetOrFetch implements the freshness contract for one fetch node.
func (c *Cache) GetOrFetch(ctx context.Context, look Lookup, fetch FetchFunc) (Result, error) {
	seg := c.segment(look.Tenant)
	key := Key(look.Tenant, look.Source, look.Table, look.Filters)

	if !look.Bypass {
		if entry, age, ok := c.peek(seg, key, look.HardCap); ok && age <= look.MaxStaleness {
			seg.mu.Lock()
			seg.hits++
			seg.mu.Unlock()
			entry.hitCount.Add(1)
			c.metrics.IncCacheHit(look.Source)
			return Result{Rowset: withAge(entry.rowset, age), FromCache: true, Age: age}, nil
		}
		seg.mu.Lock()
		seg.misses++
		seg.mu.Unlock()
		c.metrics.IncCacheMiss(look.Source)
	}

	rowset, err := c.fetchShared(ctx, seg, key, look, fetch)
	if err == nil {
		return Result{Rowset: withAge(rowset, 0), FromCache: false}, nil
	}

	// Stale fallback: only for transient upstream failure, only when the
	// caller did not demand live data.
	if !look.Bypass && qerr.Transient(err) {
		if entry, age, ok := c.peek(seg, key, look.HardCap); ok {
			seg.mu.Lock()
			seg.staleServes++
			seg.mu.Unlock()
			c.metrics.IncStaleServe(look.Source)
			return Result{Rowset: withAge(entry.rowset, age), FromCache: true, Age: age, Stale: true}, nil
		}
	}
	return Result{}, err
}

// fetchShared coalesces concurrent identical fetches and writes the result
// back on success. Write-back happens even for bypass lookups so the next
// staleness-tolerant caller benefits.
func (c *Cache) fetchShared(ctx context.Context, seg *tenantSegment, key string, look Lookup, fetch FetchFunc) (*types.Rowset, error) {
	v, err, shared := c.group.Do(key, func() (any, error) {
		rowset, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		seg.lru.Add(key, &Entry{rowset: rowset, createdAt: c.now(), hardCap: look.HardCap})
		return rowset, nil
	})
	if shared {
		c.metrics.IncCoalesced(look.Source)
	}
	if err != nil {
		return nil, err
	}
	return v.(*types.Rowset), nil
}

// peek returns the live entry and its age, removing it if past the hard cap.
func (c *Cache) peek(seg *tenantSegment, key string, hardCap time.Duration) (*Entry, time.Duration, bool) {
	entry, ok := seg.lru.Get(key)
	if !ok {
		return nil, 0, false
	}
	age := c.now().Sub(entry.createdAt)
	if hardCap > 0 && age > hardCap {
		seg.lru.Remove(key)
		return nil, 0, false
	}
	return entry, age, true
}

func withAge(rs *types.Rowset, age time.Duration) *types.Rowset {
	out := *rs
	out.AgeMS = age.Milliseconds()
	return &out
}

// StatsFor reports the tenant's counters.
func (c *Cache) StatsFor(tenant string) Stats {
	c.mu.Lock()
	seg, ok := c.tenants[tenant]
	c.mu.Unlock()
	if !ok {
		return Stats{}
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return Stats{
		Entries:     seg.lru.Len(),
		Hits:        seg.hits,
		Misses:      seg.misses,
		StaleServes: seg.staleServes,
	}
}

// Sweep removes every entry older than its recorded hard cap (or maxCap
// when none was recorded). Returns the number of entries dropped.
func (c *Cache) Sweep(maxCap time.Duration) int {
	c.mu.Lock()
	segs := make(map[string]*tenantSegment, len(c.tenants))
	for tenant, seg := range c.tenants {
		segs[tenant] = seg
	}
	c.mu.Unlock()

	now := c.now()
	dropped := 0
	for tenant, seg := range segs {
		for _, key := range seg.lru.Keys() {
			entry, ok := seg.lru.Peek(key)
			if !ok {
				continue
			}
			ceiling := entry.hardCap
			if ceiling <= 0 {
				ceiling = maxCap
			}
			if ceiling > 0 && now.Sub(entry.createdAt) > ceiling {
				seg.lru.Remove(key)
				c.metrics.IncEviction(tenant)
				dropped++
			}
		}
	}
	return dropped
}
