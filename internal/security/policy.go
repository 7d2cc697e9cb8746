// Package security enforces per-principal row and column rules on fetched
// rowsets. The filter runs strictly after fetch and strictly before a
// rowset is registered into the analytical runtime; unfiltered source data
// never reaches the engine. The filter never consults another source.
package security

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// Action is a column-level security action.
type Action int

const (
	// ActionBlock removes the column from the rowset schema entirely.
	ActionBlock Action = iota
	// ActionRedact replaces values with the redaction sentinel.
	ActionRedact
	// ActionHash replaces values with a hex hash prefix plus a literal
	// suffix.
	ActionHash
)

// ParseAction converts the policy-file spelling into an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return ActionBlock, nil
	case "redact":
		return ActionRedact, nil
	case "hash":
		return ActionHash, nil
	default:
		return ActionBlock, fmt.Errorf("unknown column action %q", s)
	}
}

// RowRule keeps a row iff column OP value holds. Values of the form
// "principal.<attr>" are resolved against the principal when the rule set
// is resolved at query start.
type RowRule struct {
	Column string `yaml:"column"`
	Op     string `yaml:"op"`
	Value  string `yaml:"value"`
	// UnlessCapability suspends the rule for principals carrying the tag.
	UnlessCapability string `yaml:"unless_capability"`
}

// ColumnRule is one column-level action.
type ColumnRule struct {
	Action    string `yaml:"action"`
	PrefixLen int    `yaml:"prefix_len"`
	Suffix    string `yaml:"suffix"`
	// UnlessCapability suspends the rule for principals carrying the tag.
	UnlessCapability string `yaml:"unless_capability"`
}

// PolicyEntry is the stored rule set for one (tenant, source).
type PolicyEntry struct {
	Tenant      string                `yaml:"tenant"`
	Source      string                `yaml:"source"`
	RowRules    []RowRule             `yaml:"row_rules"`
	ColumnRules map[string]ColumnRule `yaml:"column_rules"`
}

// PolicyFile is the on-disk policy document.
type PolicyFile struct {
	Policies []PolicyEntry `yaml:"policies"`
}

// Store holds the parsed policy document and resolves rule sets per query.
type Store struct {
	entries map[string]PolicyEntry // tenant|source
}

// LoadPolicyFile reads and parses the YAML policy document. An empty path
// yields a permissive store with no rules.
func LoadPolicyFile(path string) (*Store, error) {
	if path == "" {
		return &Store{entries: map[string]PolicyEntry{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return ParsePolicies(data)
}

// ParsePolicies parses a YAML policy document.
func ParsePolicies(data []byte) (*Store, error) {
	var doc PolicyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy file: %w", err)
	}
	s := &Store{entries: make(map[string]PolicyEntry, len(doc.Policies))}
	for _, p := range doc.Policies {
		if p.Tenant == "" || p.Source == "" {
			return nil, fmt.Errorf("policy entry missing tenant or source")
		}
		for _, r := range p.RowRules {
			if _, err := parseRuleOp(r.Op); err != nil {
				return nil, fmt.Errorf("policy %s/%s column %s: %w", p.Tenant, p.Source, r.Column, err)
			}
		}
		for col, c := range p.ColumnRules {
			if _, err := ParseAction(c.Action); err != nil {
				return nil, fmt.Errorf("policy %s/%s column %s: %w", p.Tenant, p.Source, col, err)
			}
		}
		s.entries[p.Tenant+"|"+p.Source] = p
	}
	return s, nil
}

func parseRuleOp(s string) (types.Op, error) {
	switch strings.TrimSpace(s) {
	case "=", "==", "":
		return types.OpEq, nil
	case "!=", "<>":
		return types.OpNe, nil
	case "<":
		return types.OpLt, nil
	case "<=":
		return types.OpLe, nil
	case ">":
		return types.OpGt, nil
	case ">=":
		return types.OpGe, nil
	default:
		return types.OpEq, fmt.Errorf("unknown row rule operator %q", s)
	}
}

// ResolvedRowRule is a row rule with the principal attribute already
// substituted; it is not re-resolved mid-query.
type ResolvedRowRule struct {
	Column string
	Op     types.Op
	Value  string
}

// ResolvedColumnRule is a column rule with its action parsed.
type ResolvedColumnRule struct {
	Action    Action
	PrefixLen int
	Suffix    string
}

// RuleSet is the per-query resolved policy for one source.
type RuleSet struct {
	RowRules    []ResolvedRowRule
	ColumnRules map[string]ResolvedColumnRule
}

// Empty reports whether the rule set does nothing.
func (rs RuleSet) Empty() bool {
	return len(rs.RowRules) == 0 && len(rs.ColumnRules) == 0
}

// BlockedColumns returns the columns a BLOCK rule removes.
func (rs RuleSet) BlockedColumns() []string {
	var out []string
	for col, r := range rs.ColumnRules {
		if r.Action == ActionBlock {
			out = append(out, col)
		}
	}
	return out
}

// Resolve produces the rule set for (tenant, source) as seen by the
// principal. Rules suspended by a capability the principal carries are
// dropped; principal.<attr> references become literals.
func (s *Store) Resolve(principal types.Principal, tenant, source string) (RuleSet, error) {
	entry, ok := s.entries[tenant+"|"+source]
	if !ok {
		return RuleSet{}, nil
	}

	out := RuleSet{ColumnRules: make(map[string]ResolvedColumnRule)}
	for _, r := range entry.RowRules {
		if r.UnlessCapability != "" && principal.HasCapability(r.UnlessCapability) {
			continue
		}
		op, err := parseRuleOp(r.Op)
		if err != nil {
			return RuleSet{}, err
		}
		value := r.Value
		if attr, isRef := strings.CutPrefix(r.Value, "principal."); isRef {
			resolved, ok := principal.Attribute(attr)
			if !ok {
				return RuleSet{}, fmt.Errorf("row rule for %s references unknown principal attribute %q", r.Column, attr)
			}
			value = resolved
		}
		out.RowRules = append(out.RowRules, ResolvedRowRule{Column: r.Column, Op: op, Value: value})
	}
	for col, c := range entry.ColumnRules {
		if c.UnlessCapability != "" && principal.HasCapability(c.UnlessCapability) {
			continue
		}
		action, err := ParseAction(c.Action)
		if err != nil {
			return RuleSet{}, err
		}
		prefix := c.PrefixLen
		if action == ActionHash && prefix <= 0 {
			prefix = 8
		}
		out.ColumnRules[col] = ResolvedColumnRule{Action: action, PrefixLen: prefix, Suffix: c.Suffix}
	}
	return out, nil
}
