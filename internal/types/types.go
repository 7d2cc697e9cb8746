// Package types defines the core data model shared by every stage of the
// federated query pipeline: principals, source/table descriptors,
// predicates, fetch nodes, and rowsets.
package types

import (
	"fmt"
	"strings"
	"time"
)

// SemType is the semantic type of a column or literal.
type SemType int

const (
	TypeString SemType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
)

// String returns the manifest spelling of the type.
func (t SemType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	default:
		return fmt.Sprintf("SemType(%d)", int(t))
	}
}

// ParseSemType converts a manifest spelling into a SemType.
func ParseSemType(s string) (SemType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "text":
		return TypeString, nil
	case "int", "integer":
		return TypeInt, nil
	case "float", "double":
		return TypeFloat, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "time", "timestamp":
		return TypeTime, nil
	default:
		return TypeString, fmt.Errorf("unknown column type %q", s)
	}
}

// Op is a comparison operator in a predicate atom.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
)

// String returns the SQL spelling of the operator.
func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpIn:
		return "IN"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Literal is a typed constant appearing on the right-hand side of a
// predicate. For OpIn the values live in List; otherwise in Value.
type Literal struct {
	Type  SemType
	Value any
	List  []any
}

// Predicate is one atom of the form qualifier.column OP literal, ANDed at
// the top level of a WHERE clause.
type Predicate struct {
	Qualifier string
	Column    string
	Op        Op
	Literal   Literal
}

// Filter is a pushed predicate as seen by a connector: the qualifier has
// already been resolved to the fetch node, so only column/op/literal remain.
type Filter struct {
	Op      Op
	Literal Literal
}

// FetchNode is one unit of fetch work: a single source table with the
// filters pushed to it and the columns the rest of the pipeline needs.
type FetchNode struct {
	Source    string
	Table     string
	Alias     string
	Pushed    map[string]Filter
	Projected []string
	DependsOn []string
	// View is the temporary table the node's rowset is registered under
	// in the analytical runtime.
	View string
	// Required reports whether the query cannot produce a result without
	// this node (non-outer join member or referenced in the SELECT list).
	Required bool
}

// Column describes one column of a rowset or table.
type Column struct {
	Name string
	Type SemType
}

// Schema is the ordered column layout shared by all rows of a rowset.
type Schema []Column

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the column names in schema order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// Rowset is an ordered list of records for one fetch node. Rows share the
// schema; values are indexed by schema position. AgeMS is the time since
// the data was materialized at the adapter or cached.
type Rowset struct {
	Schema Schema
	Rows   [][]any
	AgeMS  int64
}

// Clone returns a deep-enough copy: the schema and row slices are copied,
// values are shared (they are never mutated in place).
func (r *Rowset) Clone() *Rowset {
	out := &Rowset{
		Schema: append(Schema(nil), r.Schema...),
		Rows:   make([][]any, len(r.Rows)),
		AgeMS:  r.AgeMS,
	}
	for i, row := range r.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

// Principal identifies the caller for the life of one query. Immutable;
// passed by value.
type Principal struct {
	UserID       string
	TenantID     string
	Role         string
	TeamID       string
	Capabilities []string
}

// HasCapability reports whether the principal carries the named tag.
func (p Principal) HasCapability(name string) bool {
	for _, c := range p.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Attribute resolves a principal attribute used by row rules by its bare
// name, e.g. "team_id" for a "principal.team_id" reference. Unknown
// attributes return ("", false).
func (p Principal) Attribute(name string) (string, bool) {
	switch name {
	case "user_id":
		return p.UserID, true
	case "tenant_id":
		return p.TenantID, true
	case "role":
		return p.Role, true
	case "team_id":
		return p.TeamID, true
	default:
		return "", false
	}
}

// TableDescriptor enumerates what a source table looks like and what the
// source API can do for it.
type TableDescriptor struct {
	Name            string
	Columns         Schema
	PushableFilters []string
	// ExtendedOps opts the table into pushdown of !=, <, <=, >, >= in
	// addition to = and IN.
	ExtendedOps bool
	// ConditionalFetch reports whether the source supports etag-like
	// conditional requests.
	ConditionalFetch bool
}

// Column returns the descriptor of the named column.
func (t TableDescriptor) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Pushable reports whether the named column may be pushed to the source.
func (t TableDescriptor) Pushable(column string) bool {
	for _, c := range t.PushableFilters {
		if c == column {
			return true
		}
	}
	return false
}

// SourceDescriptor describes one external source and its tables.
type SourceDescriptor struct {
	Name   string
	Tables map[string]TableDescriptor
	// RateCapacity and RefillPerSecond parameterize the per-tenant token
	// bucket for this source.
	RateCapacity    float64
	RefillPerSecond float64
	// HardStalenessCap is the ceiling beyond which a cache entry may never
	// be served, regardless of caller preference.
	HardStalenessCap time.Duration
	// Deadline is the per-source fetch deadline; zero means the query
	// deadline alone applies.
	Deadline time.Duration
}
