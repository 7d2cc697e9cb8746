package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/qerr"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

func testRowset(n int) *types.Rowset {
	rs := &types.Rowset{
		Schema: types.Schema{{Name: "id", Type: types.TypeInt}},
	}
	for i := 0; i < n; i++ {
		rs.Rows = append(rs.Rows, []any{int64(i)})
	}
	return rs
}

type countingFetch struct {
	calls  atomic.Int64
	result *types.Rowset
	err    error
	delay  time.Duration
}

func (f *countingFetch) fn(ctx context.Context) (*types.Rowset, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func clock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func lookup(maxStaleness time.Duration) Lookup {
	return Lookup{
		Tenant:       "tenant_a",
		Source:       "github",
		Table:        "pull_requests",
		Filters:      map[string]types.Filter{"status": {Op: types.OpEq, Literal: types.Literal{Type: types.TypeString, Value: "merged"}}},
		MaxStaleness: maxStaleness,
		Bypass:       maxStaleness == 0,
		HardCap:      10 * time.Minute,
	}
}

func TestKeyIsOrderInsensitive(t *testing.T) {
	a := map[string]types.Filter{
		"status": {Op: types.OpEq, Literal: types.Literal{Value: "merged"}},
		"repo":   {Op: types.OpEq, Literal: types.Literal{Value: "x"}},
	}
	b := map[string]types.Filter{
		"repo":   {Op: types.OpEq, Literal: types.Literal{Value: "x"}},
		"status": {Op: types.OpEq, Literal: types.Literal{Value: "merged"}},
	}
	if Key("t", "github", "pull_requests", a) != Key("t", "github", "pull_requests", b) {
		t.Error("keys for the same filter set in different order must collide")
	}
	c := map[string]types.Filter{
		"status": {Op: types.OpEq, Literal: types.Literal{Value: "open"}},
	}
	if Key("t", "github", "pull_requests", a) == Key("t", "github", "pull_requests", c) {
		t.Error("different filters must not collide")
	}
}

func TestKeySeparatesTenants(t *testing.T) {
	f := map[string]types.Filter{}
	if Key("tenant_a", "github", "pull_requests", f) == Key("tenant_b", "github", "pull_requests", f) {
		t.Error("tenants must never share cache keys")
	}
}

func TestHitWithinStaleness(t *testing.T) {
	c := New(16, nil)
	now, nowFn := clock(time.Unix(5000, 0))
	c.SetNow(nowFn)

	fetch := &countingFetch{result: testRowset(3)}
	res, err := c.GetOrFetch(context.Background(), lookup(5*time.Second), fetch.fn)
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if res.FromCache {
		t.Error("first fetch should not come from cache")
	}

	*now = now.Add(2 * time.Second)
	res, err = c.GetOrFetch(context.Background(), lookup(5*time.Second), fetch.fn)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if !res.FromCache {
		t.Error("second lookup within staleness should hit")
	}
	if res.Age != 2*time.Second {
		t.Errorf("age = %v, want 2s", res.Age)
	}
	if res.Rowset.AgeMS != 2000 {
		t.Errorf("rowset age_ms = %d, want 2000", res.Rowset.AgeMS)
	}
	if got := fetch.calls.Load(); got != 1 {
		t.Errorf("connector called %d times, want 1", got)
	}
}

func TestExpiredEntryRefetches(t *testing.T) {
	c := New(16, nil)
	now, nowFn := clock(time.Unix(5000, 0))
	c.SetNow(nowFn)

	fetch := &countingFetch{result: testRowset(3)}
	if _, err := c.GetOrFetch(context.Background(), lookup(time.Second), fetch.fn); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(3 * time.Second)
	res, err := c.GetOrFetch(context.Background(), lookup(time.Second), fetch.fn)
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache {
		t.Error("expired entry must trigger a live fetch")
	}
	if got := fetch.calls.Load(); got != 2 {
		t.Errorf("connector called %d times, want 2", got)
	}
}

func TestBypassAlwaysFetchesAndWritesBack(t *testing.T) {
	c := New(16, nil)
	_, nowFn := clock(time.Unix(5000, 0))
	c.SetNow(nowFn)

	fetch := &countingFetch{result: testRowset(1)}
	for i := 0; i < 2; i++ {
		res, err := c.GetOrFetch(context.Background(), lookup(0), fetch.fn)
		if err != nil {
			t.Fatal(err)
		}
		if res.FromCache {
			t.Error("bypass lookups must never read the cache")
		}
	}
	if got := fetch.calls.Load(); got != 2 {
		t.Errorf("connector called %d times, want 2", got)
	}

	// The bypass runs still wrote back: a tolerant caller now hits.
	res, err := c.GetOrFetch(context.Background(), lookup(time.Minute), fetch.fn)
	if err != nil {
		t.Fatal(err)
	}
	if !res.FromCache {
		t.Error("write-back from bypass run should serve tolerant callers")
	}
}

func TestStaleFallbackOnTransientFailure(t *testing.T) {
	c := New(16, nil)
	now, nowFn := clock(time.Unix(5000, 0))
	c.SetNow(nowFn)

	fetch := &countingFetch{result: testRowset(2)}
	if _, err := c.GetOrFetch(context.Background(), lookup(time.Second), fetch.fn); err != nil {
		t.Fatal(err)
	}

	// Entry is now older than the query tolerance but under the hard cap;
	// upstream starts throttling.
	*now = now.Add(30 * time.Second)
	fetch.err = qerr.New(qerr.CodeRateLimitExhausted, "throttled")
	res, err := c.GetOrFetch(context.Background(), lookup(time.Second), fetch.fn)
	if err != nil {
		t.Fatalf("stale fallback should mask the transient failure, got %v", err)
	}
	if !res.Stale || !res.FromCache {
		t.Errorf("result = stale:%v fromCache:%v, want both true", res.Stale, res.FromCache)
	}
	if len(res.Rowset.Rows) != 2 {
		t.Errorf("stale rowset has %d rows, want 2", len(res.Rowset.Rows))
	}
}

func TestNoFallbackPastHardCap(t *testing.T) {
	c := New(16, nil)
	now, nowFn := clock(time.Unix(5000, 0))
	c.SetNow(nowFn)

	fetch := &countingFetch{result: testRowset(2)}
	if _, err := c.GetOrFetch(context.Background(), lookup(time.Second), fetch.fn); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(11 * time.Minute) // past the 10m hard cap
	fetch.err = qerr.New(qerr.CodeSourceTimeout, "slow upstream")
	_, err := c.GetOrFetch(context.Background(), lookup(time.Second), fetch.fn)
	if err == nil {
		t.Fatal("entries past the hard cap must never be served")
	}
	if qerr.CodeOf(err) != qerr.CodeSourceTimeout {
		t.Errorf("error code = %v, want SOURCE_TIMEOUT", qerr.CodeOf(err))
	}
}

func TestNoFallbackOnFatalFailure(t *testing.T) {
	c := New(16, nil)
	now, nowFn := clock(time.Unix(5000, 0))
	c.SetNow(nowFn)

	fetch := &countingFetch{result: testRowset(2)}
	if _, err := c.GetOrFetch(context.Background(), lookup(time.Second), fetch.fn); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(5 * time.Second)
	fetch.err = qerr.New(qerr.CodeSourceError, "upstream 500")
	if _, err := c.GetOrFetch(context.Background(), lookup(time.Second), fetch.fn); err == nil {
		t.Fatal("fatal upstream errors must not fall back to stale data")
	}
}

func TestSingleFlightCoalesces(t *testing.T) {
	c := New(16, nil)

	fetch := &countingFetch{result: testRowset(1), delay: 50 * time.Millisecond}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrFetch(context.Background(), lookup(time.Minute), fetch.fn); err != nil {
				t.Errorf("coalesced fetch failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := fetch.calls.Load(); got != 1 {
		t.Errorf("connector saw %d calls for a burst of 8 identical misses, want 1", got)
	}
}

func TestLRUEvictsPerTenant(t *testing.T) {
	c := New(2, nil)
	fetch := &countingFetch{result: testRowset(1)}

	for _, table := range []string{"a", "b", "c"} {
		look := lookup(time.Minute)
		look.Table = table
		if _, err := c.GetOrFetch(context.Background(), look, fetch.fn); err != nil {
			t.Fatal(err)
		}
	}
	if got := c.StatsFor("tenant_a").Entries; got != 2 {
		t.Errorf("tenant has %d entries, want 2 after eviction", got)
	}

	// Another tenant's segment is untouched by the first tenant's churn.
	look := lookup(time.Minute)
	look.Tenant = "tenant_b"
	if _, err := c.GetOrFetch(context.Background(), look, fetch.fn); err != nil {
		t.Fatal(err)
	}
	if got := c.StatsFor("tenant_b").Entries; got != 1 {
		t.Errorf("tenant_b has %d entries, want 1", got)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	c := New(16, nil)
	now, nowFn := clock(time.Unix(5000, 0))
	c.SetNow(nowFn)

	fetch := &countingFetch{result: testRowset(1)}
	if _, err := c.GetOrFetch(context.Background(), lookup(time.Minute), fetch.fn); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(11 * time.Minute)
	if dropped := c.Sweep(10 * time.Minute); dropped != 1 {
		t.Errorf("sweep dropped %d entries, want 1", dropped)
	}
	if got := c.StatsFor("tenant_a").Entries; got != 0 {
		t.Errorf("entries after sweep = %d, want 0", got)
	}
}
