// Package rate implements the token-bucket admission governor. One bucket
// exists per (source, tenant) pair; buckets are created lazily on first
// reference and live for the life of the process.
//
// Refill is lazy: on every admission attempt the bucket first credits
// tokens for the elapsed time, clamped to capacity, then tests whether a
// whole token is available. The critical section covers exactly
// refill+test-and-consume and is never held across IO.
package rate

import (
	"math"
	"sync"
	"time"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/metrics"
)

type bucketKey struct {
	source string
	tenant string
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	cap    float64
	refill float64 // tokens per second
	last   time.Time
}

// Status is a point-in-time view of one bucket for response metadata.
type Status struct {
	Remaining int `json:"remaining"`
	Capacity  int `json:"capacity"`
}

// Limits parameterizes the bucket for one source.
type Limits struct {
	Capacity        float64
	RefillPerSecond float64
}

// Governor owns all buckets. Safe for concurrent use.
type Governor struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	limits  map[string]Limits

	metrics *metrics.Metrics
	now     func() time.Time
}

// NewGovernor creates a governor with no sources configured.
func NewGovernor(m *metrics.Metrics) *Governor {
	return &Governor{
		buckets: make(map[bucketKey]*bucket),
		limits:  make(map[string]Limits),
		metrics: m,
		now:     time.Now,
	}
}

// SetNow overrides the clock; tests only.
func (g *Governor) SetNow(now func() time.Time) { g.now = now }

// Configure registers (or replaces) the limits for a source. Existing
// buckets for the source keep their token balance but adopt the new
// capacity and refill rate.
func (g *Governor) Configure(source string, l Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits[source] = l
	for k, b := range g.buckets {
		if k.source != source {
			continue
		}
		b.mu.Lock()
		b.cap = l.Capacity
		b.refill = l.RefillPerSecond
		if b.tokens > b.cap {
			b.tokens = b.cap
		}
		b.mu.Unlock()
	}
}

func (g *Governor) lookup(source, tenant string) *bucket {
	key := bucketKey{source: source, tenant: tenant}
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buckets[key]; ok {
		return b
	}
	l, ok := g.limits[source]
	if !ok {
		// Unconfigured sources get an effectively unlimited bucket.
		l = Limits{Capacity: math.MaxFloat64 / 2, RefillPerSecond: math.MaxFloat64 / 2}
	}
	b := &bucket{tokens: l.Capacity, cap: l.Capacity, refill: l.RefillPerSecond, last: g.now()}
	g.buckets[key] = b
	return b
}

// Admit attempts to consume one token for (source, tenant). On success the
// returned retry hint is zero. On failure the hint is the time until a
// whole token will have accrued.
func (g *Governor) Admit(source, tenant string) (bool, time.Duration) {
	b := g.lookup(source, tenant)
	now := g.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.cap, b.tokens+elapsed*b.refill)
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens -= 1
		g.metrics.IncRateAdmitted(source)
		return true, 0
	}

	g.metrics.IncRateDenied(source)
	if b.refill <= 0 {
		// No refill configured; the hint is meaningless but must be finite.
		return false, time.Hour
	}
	wait := (1 - b.tokens) / b.refill
	return false, time.Duration(wait * float64(time.Second))
}

// Snapshot reports the current remaining/capacity for every configured
// source; sources the tenant has not touched report full capacity.
// Unconfigured sources are not listed.
func (g *Governor) Snapshot(tenant string) map[string]Status {
	g.mu.Lock()
	sources := make(map[string]Limits, len(g.limits))
	for s, l := range g.limits {
		sources[s] = l
	}
	local := make(map[string]*bucket)
	for k, b := range g.buckets {
		if k.tenant == tenant {
			local[k.source] = b
		}
	}
	g.mu.Unlock()

	now := g.now()
	out := make(map[string]Status, len(sources))
	for source, l := range sources {
		if b, ok := local[source]; ok {
			b.mu.Lock()
			tokens := math.Min(b.cap, b.tokens+now.Sub(b.last).Seconds()*b.refill)
			out[source] = Status{Remaining: int(tokens), Capacity: int(b.cap)}
			b.mu.Unlock()
			continue
		}
		out[source] = Status{Remaining: int(l.Capacity), Capacity: int(l.Capacity)}
	}
	return out
}
