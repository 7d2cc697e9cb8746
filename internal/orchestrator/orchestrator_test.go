package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/cache"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/connector"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/executor"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/qerr"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/rate"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/security"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/testutil"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

const testPolicies = `
policies:
  - tenant: acme
    source: github
    row_rules:
      - column: team_id
        op: "="
        value: principal.team_id
        unless_capability: org_admin
    column_rules:
      author_email:
        action: hash
        prefix_len: 8
        suffix: "****@ema.co"
        unless_capability: pii_access
`

type fixture struct {
	orch   *Orchestrator
	github *connector.Static
	jira   *connector.Static
	cache  *cache.Cache
	gov    *rate.Governor
}

func newFixture(t *testing.T, policyYAML string) *fixture {
	t.Helper()
	gh := testutil.MustStatic(t, testutil.GithubManifest)
	ji := testutil.MustStatic(t, testutil.JiraManifest)
	reg := testutil.MustRegistry(t, gh, ji)

	policies, err := security.ParsePolicies([]byte(policyYAML))
	if err != nil {
		t.Fatalf("failed to parse policies: %v", err)
	}

	c := cache.New(64, nil)
	g := rate.NewGovernor(nil)
	for _, name := range reg.Sources() {
		conn, _ := reg.Lookup(name)
		d := conn.Describe()
		g.Configure(name, rate.Limits{Capacity: d.RateCapacity, RefillPerSecond: d.RefillPerSecond})
	}

	exec := &executor.Executor{
		Cache:           c,
		Governor:        g,
		Registry:        reg,
		Logger:          zap.NewNop(),
		MaxParallel:     8,
		MaxRowsPerFetch: 10000,
	}
	return &fixture{
		orch: &Orchestrator{
			Registry:        reg,
			Policies:        policies,
			Executor:        exec,
			Governor:        g,
			Logger:          zap.NewNop(),
			DefaultDeadline: 30 * time.Second,
		},
		github: gh,
		jira:   ji,
		cache:  c,
		gov:    g,
	}
}

func principal() types.Principal {
	return types.Principal{UserID: "u1", TenantID: "acme", Role: "analyst", TeamID: "mobile"}
}

func run(t *testing.T, f *fixture, req Request) *Response {
	t.Helper()
	resp, err := f.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute(%q) failed: %v", req.SQL, err)
	}
	return resp
}

func TestJoinWithPushdownRouting(t *testing.T) {
	f := newFixture(t, "policies: []")
	resp := run(t, f, Request{
		SQL:            "SELECT gh.id, ji.issue_key FROM github.pull_requests gh JOIN jira.issues ji ON gh.branch = ji.branch_name WHERE gh.status = 'merged'",
		Principal:      principal(),
		MaxStalenessMS: 60000,
	})

	// merged PRs: fix/flaky -> OPS-1, chore/digests -> OPS-3.
	if len(resp.Rows) != 2 {
		t.Fatalf("got %d rows, want 2: %v", len(resp.Rows), resp.Rows)
	}
	keys := map[any]bool{}
	for _, row := range resp.Rows {
		keys[row["issue_key"]] = true
	}
	if !keys["OPS-1"] || !keys["OPS-3"] {
		t.Errorf("joined keys = %v, want OPS-1 and OPS-3", keys)
	}
	if len(resp.Columns) != 2 {
		t.Errorf("columns = %v, want [id issue_key]", resp.Columns)
	}
	// One fetch per source; the status filter rode along to github only
	// (a misrouted filter would make the static jira adapter fail).
	if f.github.Calls() != 1 || f.jira.Calls() != 1 {
		t.Errorf("connector calls = (%d, %d), want (1, 1)", f.github.Calls(), f.jira.Calls())
	}
}

func TestResidualFunctionPredicate(t *testing.T) {
	f := newFixture(t, "policies: []")
	resp := run(t, f, Request{
		SQL:            "SELECT id FROM github.pull_requests WHERE LOWER(title) LIKE '%fix%' ORDER BY id",
		Principal:      principal(),
		MaxStalenessMS: 60000,
	})
	// "Fix flaky test" and "fix image digests" both match after LOWER.
	if len(resp.Rows) != 2 {
		t.Fatalf("got %d rows, want 2: %v", len(resp.Rows), resp.Rows)
	}
	if resp.Rows[0]["id"] != int64(1) || resp.Rows[1]["id"] != int64(3) {
		t.Errorf("ids = %v, %v; want 1, 3", resp.Rows[0]["id"], resp.Rows[1]["id"])
	}
}

func TestCacheHitOnSecondRun(t *testing.T) {
	f := newFixture(t, "policies: []")
	now := time.Unix(7000, 0)
	f.cache.SetNow(func() time.Time { return now })

	req := Request{
		SQL:            "SELECT id FROM github.pull_requests WHERE status = 'merged'",
		Principal:      principal(),
		MaxStalenessMS: 5000,
	}
	first := run(t, f, req)
	if first.FromCache {
		t.Error("first run cannot be from cache")
	}

	now = now.Add(2 * time.Second)
	second := run(t, f, req)
	if !second.FromCache {
		t.Error("second run within staleness must come from cache")
	}
	if second.FreshnessMS != 2000 {
		t.Errorf("freshness_ms = %d, want 2000", second.FreshnessMS)
	}
	if second.FreshnessMS > req.MaxStalenessMS {
		t.Error("cached responses must respect max_staleness_ms")
	}
	if f.github.Calls() != 1 {
		t.Errorf("connector calls = %d, want 1 (second run cached)", f.github.Calls())
	}
}

func TestBypassPerformsNoCacheRead(t *testing.T) {
	f := newFixture(t, "policies: []")
	req := Request{
		SQL:       "SELECT id FROM github.pull_requests WHERE status = 'merged'",
		Principal: principal(),
		// MaxStalenessMS zero bypasses the cache entirely.
	}
	a := run(t, f, req)
	b := run(t, f, req)
	if a.FromCache || b.FromCache {
		t.Error("bypass runs must not be served from cache")
	}
	if f.github.Calls() != 2 {
		t.Errorf("connector calls = %d, want 2 (no cache reads)", f.github.Calls())
	}
	if len(a.Rows) != len(b.Rows) {
		t.Errorf("back-to-back runs disagree: %d vs %d rows", len(a.Rows), len(b.Rows))
	}
}

func TestRateLimitBurst(t *testing.T) {
	f := newFixture(t, "policies: []")
	f.gov.Configure("github", rate.Limits{Capacity: 1, RefillPerSecond: 0.1})

	req := Request{
		SQL:       "SELECT id FROM github.pull_requests",
		Principal: principal(),
	}
	if _, err := f.orch.Execute(context.Background(), req); err != nil {
		t.Fatalf("first query should pass: %v", err)
	}

	var hints []time.Duration
	for i := 0; i < 2; i++ {
		_, err := f.orch.Execute(context.Background(), req)
		if err == nil {
			t.Fatal("bucket is empty; query should be throttled")
		}
		qe := qerr.AsError(err)
		if qe.Code != qerr.CodeRateLimitExhausted {
			t.Fatalf("code = %v, want RATE_LIMIT_EXHAUSTED", qe.Code)
		}
		if qe.RetryAfter <= 0 {
			t.Error("throttled response must include retry_after")
		}
		hints = append(hints, qe.RetryAfter)
		time.Sleep(20 * time.Millisecond)
	}
	if hints[1] >= hints[0] {
		t.Errorf("retry hints should decrease as tokens accrue: %v then %v", hints[0], hints[1])
	}
}

func TestRowLevelSecurity(t *testing.T) {
	f := newFixture(t, testPolicies)
	resp := run(t, f, Request{
		SQL:            "SELECT id, team_id FROM github.pull_requests ORDER BY id",
		Principal:      principal(), // team mobile
		MaxStalenessMS: 60000,
	})
	if len(resp.Rows) != 2 {
		t.Fatalf("got %d rows, want the 2 mobile rows", len(resp.Rows))
	}
	for _, row := range resp.Rows {
		if row["team_id"] != "mobile" {
			t.Errorf("row %v violates the team_id rule", row)
		}
	}
}

func TestColumnHashMask(t *testing.T) {
	f := newFixture(t, testPolicies)
	req := Request{
		SQL:            "SELECT id, author_email FROM github.pull_requests ORDER BY id",
		Principal:      principal(),
		MaxStalenessMS: 60000,
	}
	resp := run(t, f, req)
	masked := resp.Rows[0]["author_email"].(string)
	if !strings.HasSuffix(masked, "****@ema.co") {
		t.Fatalf("masked email %q lacks the configured suffix", masked)
	}
	prefix := strings.TrimSuffix(masked, "****@ema.co")
	if len(prefix) != 8 {
		t.Errorf("hash prefix %q has length %d, want 8", prefix, len(prefix))
	}

	// Deterministic across queries.
	again := run(t, f, req)
	if again.Rows[0]["author_email"] != masked {
		t.Error("hash mask changed between queries")
	}
}

func TestCapabilityBypassesMask(t *testing.T) {
	f := newFixture(t, testPolicies)
	p := principal()
	p.Capabilities = []string{"pii_access", "org_admin"}
	resp := run(t, f, Request{
		SQL:            "SELECT id, author_email FROM github.pull_requests ORDER BY id",
		Principal:      p,
		MaxStalenessMS: 60000,
	})
	if resp.Rows[0]["author_email"] != "alice@acme.com" {
		t.Errorf("privileged principal sees %v, want the raw email", resp.Rows[0]["author_email"])
	}
	if len(resp.Rows) != 3 {
		t.Errorf("org_admin sees %d rows, want all 3", len(resp.Rows))
	}
}

func TestBlockedColumnProjectionDenied(t *testing.T) {
	policy := `
policies:
  - tenant: acme
    source: github
    column_rules:
      author_email:
        action: block
`
	f := newFixture(t, policy)
	_, err := f.orch.Execute(context.Background(), Request{
		SQL:            "SELECT author_email FROM github.pull_requests",
		Principal:      principal(),
		MaxStalenessMS: 60000,
	})
	if err == nil {
		t.Fatal("projecting a blocked column must fail")
	}
	if qerr.CodeOf(err) != qerr.CodeEntitlementDenied {
		t.Errorf("code = %v, want ENTITLEMENT_DENIED", qerr.CodeOf(err))
	}
}

func TestBlockedColumnAbsentFromStar(t *testing.T) {
	policy := `
policies:
  - tenant: acme
    source: github
    column_rules:
      author_email:
        action: block
`
	f := newFixture(t, policy)
	resp := run(t, f, Request{
		SQL:            "SELECT * FROM github.pull_requests",
		Principal:      principal(),
		MaxStalenessMS: 60000,
	})
	for _, col := range resp.Columns {
		if col == "author_email" {
			t.Error("blocked column appeared in the response schema")
		}
	}
}

func TestPlanFailureSurfaces(t *testing.T) {
	f := newFixture(t, "policies: []")
	_, err := f.orch.Execute(context.Background(), Request{
		SQL:       "SELECT gh.id FROM github.pull_requests gh WHERE zz.status = 'x'",
		Principal: principal(),
	})
	if err == nil {
		t.Fatal("unresolved qualifier must fail")
	}
	if qerr.CodeOf(err) != qerr.CodePlanFailed {
		t.Errorf("code = %v, want PLAN_FAILED", qerr.CodeOf(err))
	}
}

func TestStaleDataWarning(t *testing.T) {
	f := newFixture(t, "policies: []")
	now := time.Unix(7000, 0)
	f.cache.SetNow(func() time.Time { return now })

	req := Request{
		SQL:            "SELECT id FROM github.pull_requests",
		Principal:      principal(),
		MaxStalenessMS: 1000,
	}
	run(t, f, req)

	// Entry ages past tolerance; upstream starts failing transiently.
	now = now.Add(2 * time.Minute)
	f.github.FailNext(1, qerr.New(qerr.CodeSourceTimeout, "slow").WithSource("github"))
	resp := run(t, f, req)

	warned := false
	for _, w := range resp.Warnings {
		if w == qerr.WarnStaleData {
			warned = true
		}
	}
	if !warned {
		t.Errorf("warnings = %v, want STALE_DATA", resp.Warnings)
	}
	if resp.FreshnessMS < req.MaxStalenessMS {
		t.Error("a stale serve should report its true age")
	}
}

func TestRateLimitStatusInResponse(t *testing.T) {
	f := newFixture(t, "policies: []")
	resp := run(t, f, Request{
		SQL:            "SELECT id FROM github.pull_requests",
		Principal:      principal(),
		MaxStalenessMS: 60000,
	})
	status, ok := resp.RateLimitStatus["github"]
	if !ok {
		t.Fatal("response lacks github rate status")
	}
	if status.Capacity != 100 || status.Remaining != 99 {
		t.Errorf("github status = %+v, want capacity 100 remaining 99", status)
	}
}

func TestTraceIDEchoed(t *testing.T) {
	f := newFixture(t, "policies: []")
	resp := run(t, f, Request{
		SQL:            "SELECT id FROM github.pull_requests",
		Principal:      principal(),
		MaxStalenessMS: 60000,
		TraceID:        "trace-123",
	})
	if resp.TraceID != "trace-123" {
		t.Errorf("trace_id = %q, want trace-123", resp.TraceID)
	}

	resp = run(t, f, Request{
		SQL:            "SELECT id FROM github.pull_requests",
		Principal:      principal(),
		MaxStalenessMS: 60000,
	})
	if resp.TraceID == "" {
		t.Error("a trace id should be generated when absent")
	}
}

func TestTimingPopulated(t *testing.T) {
	f := newFixture(t, "policies: []")
	resp := run(t, f, Request{
		SQL:            "SELECT id FROM github.pull_requests",
		Principal:      principal(),
		MaxStalenessMS: 60000,
	})
	if resp.Timing.TotalMS < 0 || resp.Timing.TotalMS < resp.Timing.AnalyticalMS {
		t.Errorf("timing looks inconsistent: %+v", resp.Timing)
	}
}
