// Package testutil provides shared fixtures for pipeline tests: canonical
// source manifests and helpers that build adapters and registries or fail
// the test.
package testutil

import (
	"testing"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/connector"
)

// GithubManifest is a small GitHub-shaped source: status and repo are
// pushable, title is not.
const GithubManifest = `
source: github
rate_capacity: 100
refill_per_second: 10
hard_staleness_cap_ms: 600000
tables:
  - name: pull_requests
    columns:
      - { name: id, type: int }
      - { name: repo, type: string }
      - { name: title, type: string }
      - { name: author_email, type: string }
      - { name: branch, type: string }
      - { name: status, type: string }
      - { name: team_id, type: string }
    pushable_filters: [repo, status, team_id]
    rows:
      - { id: 1, repo: core, title: "Fix flaky test", author_email: alice@acme.com, branch: fix/flaky, status: merged, team_id: mobile }
      - { id: 2, repo: core, title: "Add worker pool", author_email: bob@acme.com, branch: feat/pool, status: open, team_id: web }
      - { id: 3, repo: infra, title: "fix image digests", author_email: carol@acme.com, branch: chore/digests, status: merged, team_id: mobile }
`

// JiraManifest is a Jira-shaped source; issue_status is pushable and the
// table opts into extended operator pushdown.
const JiraManifest = `
source: jira
rate_capacity: 100
refill_per_second: 10
hard_staleness_cap_ms: 900000
tables:
  - name: issues
    columns:
      - { name: issue_key, type: string }
      - { name: summary, type: string }
      - { name: issue_status, type: string }
      - { name: branch_name, type: string }
      - { name: team_id, type: string }
      - { name: story_points, type: int }
    pushable_filters: [issue_status, team_id, story_points]
    extended_ops: true
    rows:
      - { issue_key: OPS-1, summary: "Flaky test", issue_status: done, branch_name: fix/flaky, team_id: mobile, story_points: 3 }
      - { issue_key: OPS-2, summary: "Worker pool", issue_status: in_progress, branch_name: feat/pool, team_id: web, story_points: 5 }
      - { issue_key: OPS-3, summary: "Digest pinning", issue_status: done, branch_name: chore/digests, team_id: mobile, story_points: 2 }
`

// MustStatic parses a manifest into its static adapter.
func MustStatic(t testing.TB, manifest string) *connector.Static {
	t.Helper()
	m, err := connector.ParseManifest([]byte(manifest))
	if err != nil {
		t.Fatalf("failed to parse manifest: %v", err)
	}
	s, err := connector.NewStatic(m)
	if err != nil {
		t.Fatalf("failed to build static adapter: %v", err)
	}
	return s
}

// MustRegistry wraps adapters into a registry.
func MustRegistry(t testing.TB, conns ...connector.Connector) *connector.Registry {
	t.Helper()
	r, err := connector.NewRegistry(conns...)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return r
}
