// Package planner turns an analyzed query into fetch nodes grouped into
// waves. The base design has no cross-node dependencies, so every node
// lands in wave zero; waves exist so semi-join pushdown can be added
// later without rearchitecting the executor.
package planner

import (
	"sort"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/sqlanalyzer"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// Plan is the fetch schedule for one query.
type Plan struct {
	Nodes []*types.FetchNode
	// Waves groups the nodes by dependency depth; all of wave N may
	// run concurrently once wave N-1 completed.
	Waves [][]*types.FetchNode
}

// Build emits one fetch node per FROM binding.
//
// projected_columns is the union of columns referenced by projections,
// residual predicates, ORDER BY / GROUP BY / HAVING, and join conditions;
// pushed filter columns are included so the runtime can re-check them.
// A SELECT * binding keeps the table's full column set.
func Build(a *sqlanalyzer.Analysis, catalog map[string]types.SourceDescriptor) *Plan {
	plan := &Plan{}
	for _, alias := range a.Order {
		b := a.Bindings[alias]
		table := catalog[b.Source].Tables[b.Table]

		node := &types.FetchNode{
			Source:   b.Source,
			Table:    b.Table,
			Alias:    alias,
			Pushed:   a.PushedFor(alias),
			View:     b.View,
			Required: b.Required(),
		}
		node.Projected = projectedColumns(a, alias, table)
		plan.Nodes = append(plan.Nodes, node)
	}
	// Single wave: no DependsOn edges exist in the base design.
	plan.Waves = [][]*types.FetchNode{plan.Nodes}
	return plan
}

func projectedColumns(a *sqlanalyzer.Analysis, alias string, table types.TableDescriptor) []string {
	if a.Star[alias] {
		return table.Columns.Names()
	}
	seen := make(map[string]bool)
	for col := range a.Projected[alias] {
		seen[col] = true
	}
	out := make([]string, 0, len(seen))
	for col := range seen {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}
