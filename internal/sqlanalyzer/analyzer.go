// Package sqlanalyzer parses a federated SQL statement and classifies its
// predicates for pushdown.
//
// The analyzer extracts the FROM bindings (alias -> source.table), the
// top-level ANDed WHERE atoms, and the columns each binding must provide.
// A predicate atom is assigned to the binding its qualifier names — never
// to any other binding — and is pushable only when the operator and the
// literal's type are within the table descriptor's capabilities. Anything
// else stays residual and is re-evaluated by the analytical runtime after
// the join. OR at the top level forces all of its disjuncts residual.
//
// The misrouting rule is absolute: a predicate whose qualifier does not
// name a binding's alias never appears in that binding's pushed filters.
// Pushing gh.status='merged' to an issue tracker with no such status would
// silently return empty rows, which is worse than any error.
package sqlanalyzer

import (
	"strconv"

	"github.com/xwb1989/sqlparser"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/qerr"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// Binding is one FROM entry: alias (or table name when no alias was
// written) mapped to a source table.
type Binding struct {
	Alias  string
	Source string
	Table  string
	// View is the runtime table this binding's rowset registers under.
	// Distinct bindings over the same table (self-joins) get distinct
	// views because their pushed filters may differ.
	View string
	// Outer marks the optional side of an outer join; an outer binding is
	// required only when the SELECT list references it.
	Outer bool
	// InSelect marks bindings the projection reads from.
	InSelect bool
}

// Required reports whether the query cannot answer without this binding.
func (b *Binding) Required() bool { return !b.Outer || b.InSelect }

// Atom is one ANDed WHERE conjunct of the shape qualifier.column OP
// literal, already assigned to its owning binding.
type Atom struct {
	types.Predicate
	// Pushable is set when the operator, column capability, and literal
	// type all allow evaluating the atom at the source.
	Pushable bool
}

// Analysis is the analyzer's output consumed by the planner and runtime.
type Analysis struct {
	Bindings map[string]*Binding
	// Order preserves FROM appearance order for deterministic planning.
	Order []string
	Atoms []Atom
	// ResidualCount counts WHERE conjuncts that stay local (unsupported
	// shape or unpushable atom).
	ResidualCount int
	// Projected maps alias -> columns the pipeline must retain for it.
	Projected map[string]map[string]bool
	// Star marks aliases whose full column set is needed (SELECT *).
	Star map[string]bool
	// RewrittenSQL is the statement with source.table references replaced
	// by the runtime's view names.
	RewrittenSQL string

	catalog map[string]types.SourceDescriptor
}

// Analyze parses sql against the catalog.
func Analyze(sql string, catalog map[string]types.SourceDescriptor) (*Analysis, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodePlanFailed, err, "failed to parse statement")
	}

	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		switch stmt.(type) {
		case *sqlparser.Union:
			return nil, qerr.New(qerr.CodePlanFailed, "UNION across sources is not supported")
		case *sqlparser.Insert, *sqlparser.Update, *sqlparser.Delete:
			return nil, qerr.New(qerr.CodePlanFailed, "write DML is not supported")
		case *sqlparser.DDL:
			return nil, qerr.New(qerr.CodePlanFailed, "DDL is not supported")
		default:
			return nil, qerr.New(qerr.CodePlanFailed, "only SELECT statements are supported")
		}
	}

	a := &Analysis{
		Bindings:  make(map[string]*Binding),
		Projected: make(map[string]map[string]bool),
		Star:      make(map[string]bool),
		catalog:   catalog,
	}

	for _, te := range sel.From {
		if err := a.collectBindings(te, catalog, false); err != nil {
			return nil, err
		}
	}
	if len(a.Order) == 0 {
		return nil, qerr.New(qerr.CodePlanFailed, "statement has no FROM clause")
	}
	a.assignViews()

	if err := a.collectSelect(sel.SelectExprs); err != nil {
		return nil, err
	}
	if err := a.collectWhere(sel, catalog); err != nil {
		return nil, err
	}
	if err := a.collectResidualColumns(sel); err != nil {
		return nil, err
	}

	rewritten, err := rewrite(sel, a)
	if err != nil {
		return nil, err
	}
	a.RewrittenSQL = rewritten
	return a, nil
}

// assignViews names each binding's runtime table, disambiguating
// self-joins by alias.
func (a *Analysis) assignViews() {
	count := make(map[string]int)
	for _, alias := range a.Order {
		b := a.Bindings[alias]
		count[b.Source+"_"+b.Table]++
	}
	for _, alias := range a.Order {
		b := a.Bindings[alias]
		base := b.Source + "_" + b.Table
		if count[base] > 1 {
			b.View = base + "_" + b.Alias
			continue
		}
		b.View = base
	}
}

// collectBindings walks one FROM tree entry.
func (a *Analysis) collectBindings(te sqlparser.TableExpr, catalog map[string]types.SourceDescriptor, outer bool) error {
	switch t := te.(type) {
	case *sqlparser.AliasedTableExpr:
		name, ok := t.Expr.(sqlparser.TableName)
		if !ok {
			return qerr.New(qerr.CodePlanFailed, "derived tables in FROM are not supported")
		}
		source := name.Qualifier.String()
		table := name.Name.String()
		if source == "" {
			return qerr.New(qerr.CodePlanFailed, "table %q must be qualified as source.table", table)
		}
		desc, ok := catalog[source]
		if !ok {
			return qerr.New(qerr.CodePlanFailed, "unknown source %q", source)
		}
		if _, ok := desc.Tables[table]; !ok {
			return qerr.New(qerr.CodePlanFailed, "source %q has no table %q", source, table)
		}
		alias := t.As.String()
		if alias == "" {
			alias = table
		}
		if _, dup := a.Bindings[alias]; dup {
			return qerr.New(qerr.CodePlanFailed, "duplicate alias %q in FROM", alias)
		}
		a.Bindings[alias] = &Binding{Alias: alias, Source: source, Table: table, Outer: outer}
		a.Order = append(a.Order, alias)
		return nil
	case *sqlparser.JoinTableExpr:
		leftOuter, rightOuter := outer, outer
		switch t.Join {
		case sqlparser.LeftJoinStr:
			rightOuter = true
		case sqlparser.RightJoinStr:
			leftOuter = true
		}
		if err := a.collectBindings(t.LeftExpr, catalog, leftOuter); err != nil {
			return err
		}
		return a.collectBindings(t.RightExpr, catalog, rightOuter)
	case *sqlparser.ParenTableExpr:
		for _, inner := range t.Exprs {
			if err := a.collectBindings(inner, catalog, outer); err != nil {
				return err
			}
		}
		return nil
	default:
		return qerr.New(qerr.CodePlanFailed, "unsupported FROM construct")
	}
}

// collectSelect records projected columns and which bindings the SELECT
// list touches.
func (a *Analysis) collectSelect(exprs sqlparser.SelectExprs) error {
	for _, se := range exprs {
		switch e := se.(type) {
		case *sqlparser.StarExpr:
			if e.TableName.Name.String() == "" {
				for _, alias := range a.Order {
					a.Star[alias] = true
					a.Bindings[alias].InSelect = true
				}
				continue
			}
			alias, err := a.resolveTableRef(e.TableName)
			if err != nil {
				return err
			}
			a.Star[alias] = true
			a.Bindings[alias].InSelect = true
		case *sqlparser.AliasedExpr:
			if err := a.collectColumnRefs(e.Expr, true); err != nil {
				return err
			}
		default:
			return qerr.New(qerr.CodePlanFailed, "unsupported projection expression")
		}
	}
	return nil
}

// collectColumnRefs walks an expression, attributing every column
// reference to its binding. inSelect marks the binding as projected-from.
func (a *Analysis) collectColumnRefs(expr sqlparser.Expr, inSelect bool) error {
	var walkErr error
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if walkErr != nil {
			return false, nil
		}
		switch n := node.(type) {
		case *sqlparser.Subquery:
			walkErr = qerr.New(qerr.CodePlanFailed, "subqueries are not supported")
			return false, nil
		case *sqlparser.ColName:
			alias, err := a.resolveColumn(n)
			if err != nil {
				walkErr = err
				return false, nil
			}
			a.project(alias, n.Name.String())
			if inSelect {
				a.Bindings[alias].InSelect = true
			}
		}
		return true, nil
	}, expr)
	return walkErr
}

func (a *Analysis) project(alias, column string) {
	cols, ok := a.Projected[alias]
	if !ok {
		cols = make(map[string]bool)
		a.Projected[alias] = cols
	}
	cols[column] = true
}

// resolveTableRef maps a table reference (alias, table name, or
// source.table) to the binding alias.
func (a *Analysis) resolveTableRef(name sqlparser.TableName) (string, error) {
	q := name.Qualifier.String()
	n := name.Name.String()
	if q == "" {
		if _, ok := a.Bindings[n]; ok {
			return n, nil
		}
		return "", qerr.New(qerr.CodePlanFailed, "qualifier %q does not name a FROM binding", n)
	}
	// source.table form: match the unique binding over that table.
	var found string
	for alias, b := range a.Bindings {
		if b.Source == q && b.Table == n {
			if found != "" {
				return "", qerr.New(qerr.CodePlanFailed, "reference %s.%s is ambiguous; use the alias", q, n)
			}
			found = alias
		}
	}
	if found == "" {
		return "", qerr.New(qerr.CodePlanFailed, "reference %s.%s does not name a FROM binding", q, n)
	}
	return found, nil
}

// resolveColumn attributes one column reference to exactly one binding.
func (a *Analysis) resolveColumn(col *sqlparser.ColName) (string, error) {
	if col.Qualifier.Name.String() != "" {
		return a.resolveTableRef(col.Qualifier)
	}
	// Unqualified: the column must belong to exactly one binding.
	name := col.Name.String()
	var found string
	for alias, b := range a.Bindings {
		if a.catalogHas(b, name) {
			if found != "" {
				return "", qerr.New(qerr.CodePlanFailed, "column %q is ambiguous across bindings; qualify it", name)
			}
			found = alias
		}
	}
	if found == "" {
		return "", qerr.New(qerr.CodePlanFailed, "column %q does not belong to any FROM binding", name)
	}
	return found, nil
}

func (a *Analysis) catalogHas(b *Binding, column string) bool {
	desc, ok := a.catalog[b.Source]
	if !ok {
		return false
	}
	table, ok := desc.Tables[b.Table]
	if !ok {
		return false
	}
	_, ok = table.Column(column)
	return ok
}

// collectWhere decomposes the WHERE clause into ANDed conjuncts and
// classifies each one.
func (a *Analysis) collectWhere(sel *sqlparser.Select, catalog map[string]types.SourceDescriptor) error {
	if sel.Where == nil {
		return nil
	}
	conjuncts := splitAnd(sel.Where.Expr)
	for _, c := range conjuncts {
		if err := rejectSubqueries(c); err != nil {
			return err
		}
		atom, ok, err := a.classifyAtom(c, catalog)
		if err != nil {
			return err
		}
		if !ok {
			// Residual shape; its column references still drive projection
			// and its qualifiers must still resolve.
			if err := a.collectColumnRefs(c, false); err != nil {
				return err
			}
			a.ResidualCount++
			continue
		}
		a.Atoms = append(a.Atoms, atom)
		a.project(atom.Qualifier, atom.Column)
	}
	return nil
}

// splitAnd flattens top-level AND chains; parens are transparent.
func splitAnd(expr sqlparser.Expr) []sqlparser.Expr {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		return append(splitAnd(e.Left), splitAnd(e.Right)...)
	case *sqlparser.ParenExpr:
		return splitAnd(e.Expr)
	default:
		return []sqlparser.Expr{expr}
	}
}

func rejectSubqueries(expr sqlparser.Expr) error {
	var found bool
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if _, ok := node.(*sqlparser.Subquery); ok {
			found = true
			return false, nil
		}
		return true, nil
	}, expr)
	if found {
		return qerr.New(qerr.CodePlanFailed, "subqueries in WHERE are not supported")
	}
	return nil
}

// classifyAtom returns (atom, true, nil) when the conjunct has the
// qualifier.column OP literal shape, whether or not it is pushable.
// Unsupported shapes return ok=false and stay residual.
func (a *Analysis) classifyAtom(expr sqlparser.Expr, catalog map[string]types.SourceDescriptor) (Atom, bool, error) {
	cmp, ok := expr.(*sqlparser.ComparisonExpr)
	if !ok {
		return Atom{}, false, nil
	}

	op, ok := parseOp(cmp.Operator)
	if !ok {
		return Atom{}, false, nil
	}

	col, ok := cmp.Left.(*sqlparser.ColName)
	if !ok {
		return Atom{}, false, nil
	}
	lit, ok := literalOf(cmp.Right, op)
	if !ok {
		return Atom{}, false, nil
	}

	alias, err := a.resolveColumn(col)
	if err != nil {
		return Atom{}, false, err
	}
	binding := a.Bindings[alias]
	table := catalog[binding.Source].Tables[binding.Table]
	column := col.Name.String()
	colDesc, exists := table.Column(column)
	if !exists {
		return Atom{}, false, qerr.New(qerr.CodePlanFailed, "table %s.%s has no column %q", binding.Source, binding.Table, column)
	}

	typed, typeOK := coerceLiteral(lit, colDesc.Type)
	pushable := typeOK &&
		table.Pushable(column) &&
		opAllowed(op, table.ExtendedOps)

	atom := Atom{
		Predicate: types.Predicate{
			Qualifier: alias,
			Column:    column,
			Op:        op,
			Literal:   typed,
		},
		Pushable: pushable,
	}
	return atom, true, nil
}

func opAllowed(op types.Op, extended bool) bool {
	switch op {
	case types.OpEq, types.OpIn:
		return true
	default:
		return extended
	}
}

func parseOp(s string) (types.Op, bool) {
	switch s {
	case sqlparser.EqualStr:
		return types.OpEq, true
	case sqlparser.NotEqualStr:
		return types.OpNe, true
	case sqlparser.LessThanStr:
		return types.OpLt, true
	case sqlparser.LessEqualStr:
		return types.OpLe, true
	case sqlparser.GreaterThanStr:
		return types.OpGt, true
	case sqlparser.GreaterEqualStr:
		return types.OpGe, true
	case sqlparser.InStr:
		return types.OpIn, true
	default:
		return 0, false
	}
}

// rawLiteral is an untyped literal lifted from the AST.
type rawLiteral struct {
	str    string
	isStr  bool
	num    int64
	isNum  bool
	f      float64
	isF    bool
	b      bool
	isB    bool
	list   []rawLiteral
	isList bool
}

func literalOf(expr sqlparser.Expr, op types.Op) (rawLiteral, bool) {
	if op == types.OpIn {
		tuple, ok := expr.(sqlparser.ValTuple)
		if !ok {
			return rawLiteral{}, false
		}
		out := rawLiteral{isList: true}
		for _, e := range tuple {
			item, ok := literalOf(e, types.OpEq)
			if !ok {
				return rawLiteral{}, false
			}
			out.list = append(out.list, item)
		}
		return out, true
	}
	switch v := expr.(type) {
	case *sqlparser.SQLVal:
		switch v.Type {
		case sqlparser.StrVal:
			return rawLiteral{str: string(v.Val), isStr: true}, true
		case sqlparser.IntVal:
			n, err := strconv.ParseInt(string(v.Val), 10, 64)
			if err != nil {
				return rawLiteral{}, false
			}
			return rawLiteral{num: n, isNum: true}, true
		case sqlparser.FloatVal:
			f, err := strconv.ParseFloat(string(v.Val), 64)
			if err != nil {
				return rawLiteral{}, false
			}
			return rawLiteral{f: f, isF: true}, true
		default:
			return rawLiteral{}, false
		}
	case sqlparser.BoolVal:
		return rawLiteral{b: bool(v), isB: true}, true
	default:
		return rawLiteral{}, false
	}
}

// coerceLiteral types the raw literal against the column; the second
// return reports whether the semantic types match.
func coerceLiteral(raw rawLiteral, t types.SemType) (types.Literal, bool) {
	if raw.isList {
		out := types.Literal{Type: t}
		for _, item := range raw.list {
			typed, ok := coerceLiteral(item, t)
			if !ok {
				return types.Literal{}, false
			}
			out.List = append(out.List, typed.Value)
		}
		return out, true
	}
	switch t {
	case types.TypeString:
		if raw.isStr {
			return types.Literal{Type: t, Value: raw.str}, true
		}
	case types.TypeInt:
		if raw.isNum {
			return types.Literal{Type: t, Value: raw.num}, true
		}
	case types.TypeFloat:
		if raw.isF {
			return types.Literal{Type: t, Value: raw.f}, true
		}
		if raw.isNum {
			return types.Literal{Type: t, Value: float64(raw.num)}, true
		}
	case types.TypeBool:
		if raw.isB {
			return types.Literal{Type: t, Value: raw.b}, true
		}
	case types.TypeTime:
		if raw.isStr {
			if v, err := types.ParseLiteralString(raw.str, t); err == nil {
				return types.Literal{Type: t, Value: v}, true
			}
		}
	}
	return types.Literal{}, false
}

// collectResidualColumns gathers the column needs of GROUP BY, HAVING,
// ORDER BY, and join conditions.
func (a *Analysis) collectResidualColumns(sel *sqlparser.Select) error {
	for _, g := range sel.GroupBy {
		if err := a.collectColumnRefs(g, false); err != nil {
			return err
		}
	}
	if sel.Having != nil {
		if err := a.collectColumnRefs(sel.Having.Expr, false); err != nil {
			return err
		}
	}
	for _, o := range sel.OrderBy {
		if err := a.collectColumnRefs(o.Expr, false); err != nil {
			return err
		}
	}
	return a.collectJoinConditions(sel.From)
}

func (a *Analysis) collectJoinConditions(exprs sqlparser.TableExprs) error {
	var walkJoin func(te sqlparser.TableExpr) error
	walkJoin = func(te sqlparser.TableExpr) error {
		switch t := te.(type) {
		case *sqlparser.JoinTableExpr:
			if t.Condition.On != nil {
				if err := a.collectColumnRefs(t.Condition.On, false); err != nil {
					return err
				}
			}
			if err := walkJoin(t.LeftExpr); err != nil {
				return err
			}
			return walkJoin(t.RightExpr)
		case *sqlparser.ParenTableExpr:
			for _, inner := range t.Exprs {
				if err := walkJoin(inner); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, te := range exprs {
		if err := walkJoin(te); err != nil {
			return err
		}
	}
	return nil
}

// PushedFor returns the pushable filters assigned to one alias.
func (a *Analysis) PushedFor(alias string) map[string]types.Filter {
	out := make(map[string]types.Filter)
	for _, atom := range a.Atoms {
		if atom.Pushable && atom.Qualifier == alias {
			out[atom.Column] = types.Filter{Op: atom.Op, Literal: atom.Literal}
		}
	}
	return out
}
