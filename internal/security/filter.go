package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// RedactedSentinel replaces values under a REDACT rule.
const RedactedSentinel = "[REDACTED]"

// Apply enforces the rule set on a rowset and returns a new rowset (the
// input itself when the rule set is empty); the input is never mutated. Row rules run first (a row survives iff every
// rule holds; a rule naming a missing column evaluates false, so the row
// is dropped), then column rules transform the survivors. HASH over NULL
// yields NULL.
func Apply(rs RuleSet, in *types.Rowset) *types.Rowset {
	if rs.Empty() {
		return in
	}

	out := &types.Rowset{AgeMS: in.AgeMS}

	// Row rules: fail closed.
	kept := make([][]any, 0, len(in.Rows))
	for _, row := range in.Rows {
		if rowAllowed(rs.RowRules, in.Schema, row) {
			kept = append(kept, row)
		}
	}

	// Column rules: BLOCK shapes the schema, REDACT/HASH transform values.
	keepIdx := make([]int, 0, len(in.Schema))
	for i, col := range in.Schema {
		rule, has := rs.ColumnRules[col.Name]
		if has && rule.Action == ActionBlock {
			continue
		}
		keepIdx = append(keepIdx, i)
		outCol := col
		if has && rule.Action != ActionBlock {
			// Masked values are strings regardless of the input type.
			outCol.Type = types.TypeString
		}
		out.Schema = append(out.Schema, outCol)
	}

	out.Rows = make([][]any, 0, len(kept))
	for _, row := range kept {
		newRow := make([]any, 0, len(keepIdx))
		for _, i := range keepIdx {
			col := in.Schema[i]
			v := row[i]
			if rule, has := rs.ColumnRules[col.Name]; has {
				v = mask(rule, v)
			}
			newRow = append(newRow, v)
		}
		out.Rows = append(out.Rows, newRow)
	}
	return out
}

func rowAllowed(rules []ResolvedRowRule, schema types.Schema, row []any) bool {
	for _, r := range rules {
		idx := schema.Index(r.Column)
		if idx < 0 {
			return false
		}
		v := row[idx]
		if v == nil {
			return false
		}
		// Rule values arrive as policy-file strings; lift them into the
		// column's domain before comparing so numeric and time rules
		// order correctly.
		want, err := types.ParseLiteralString(r.Value, schema[idx].Type)
		if err != nil {
			return false
		}
		cmp, comparable := types.Compare(v, want)
		if !comparable {
			return false
		}
		var holds bool
		switch r.Op {
		case types.OpEq:
			holds = cmp == 0
		case types.OpNe:
			holds = cmp != 0
		case types.OpLt:
			holds = cmp < 0
		case types.OpLe:
			holds = cmp <= 0
		case types.OpGt:
			holds = cmp > 0
		case types.OpGe:
			holds = cmp >= 0
		}
		if !holds {
			return false
		}
	}
	return true
}

// mask applies a REDACT or HASH rule to one value. NULL stays NULL.
func mask(rule ResolvedColumnRule, v any) any {
	if v == nil {
		return nil
	}
	switch rule.Action {
	case ActionRedact:
		return RedactedSentinel
	case ActionHash:
		sum := sha256.Sum256([]byte(fmt.Sprintf("%v", v)))
		prefix := hex.EncodeToString(sum[:])
		if rule.PrefixLen > 0 && rule.PrefixLen < len(prefix) {
			prefix = prefix[:rule.PrefixLen]
		}
		return prefix + rule.Suffix
	default:
		return v
	}
}
