package connector

import (
	"strings"
	"testing"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

func TestParseManifestValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing source",
			yaml:    "tables:\n  - name: t\n    columns:\n      - { name: a, type: string }\n",
			wantErr: "missing source",
		},
		{
			name:    "no tables",
			yaml:    "source: github\n",
			wantErr: "declares no tables",
		},
		{
			name: "unknown column type",
			yaml: `
source: github
tables:
  - name: t
    columns:
      - { name: a, type: varchar2 }
`,
			wantErr: "unknown column type",
		},
		{
			name: "pushable filter not a column",
			yaml: `
source: github
tables:
  - name: t
    columns:
      - { name: a, type: string }
    pushable_filters: [b]
`,
			wantErr: "not a column",
		},
		{
			name: "row references unknown column",
			yaml: `
source: github
tables:
  - name: t
    columns:
      - { name: a, type: string }
    rows:
      - { a: x, b: y }
`,
			wantErr: "unknown column",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDescriptorConversion(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatal(err)
	}
	desc, err := m.Descriptor()
	if err != nil {
		t.Fatal(err)
	}
	if desc.Name != "github" {
		t.Errorf("source name = %q, want github", desc.Name)
	}
	table, ok := desc.Tables["pull_requests"]
	if !ok {
		t.Fatal("pull_requests table missing from descriptor")
	}
	if col, ok := table.Column("merged_at"); !ok || col.Type != types.TypeTime {
		t.Errorf("merged_at = (%v, %v), want a time column", col, ok)
	}
	if !table.Pushable("status") || table.Pushable("draft") {
		t.Error("pushable_filters not reflected in descriptor")
	}
	if desc.HardStalenessCap.Milliseconds() != 60000 {
		t.Errorf("hard cap = %v, want 60s", desc.HardStalenessCap)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	a := mustStatic(t, testManifest)
	b := mustStatic(t, testManifest)
	if _, err := NewRegistry(a, b); err == nil {
		t.Fatal("duplicate source names must be rejected")
	}
}
