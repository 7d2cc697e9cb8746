package sqlanalyzer

import (
	"github.com/xwb1989/sqlparser"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/qerr"
)

// rewrite substitutes each source.table FROM reference with the analytical
// runtime's view name for that binding, keyed by the alias map. The
// substitution is mechanical: aliases survive, and bindings written
// without one get the original qualifier as an explicit alias so that
// column references keep resolving.
func rewrite(sel *sqlparser.Select, a *Analysis) (string, error) {
	if err := rewriteTables(sel.From, a); err != nil {
		return "", err
	}

	// source.table-qualified column references (rare but legal) become
	// alias-qualified so they resolve against the renamed views.
	var walkErr error
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if walkErr != nil {
			return false, nil
		}
		col, ok := node.(*sqlparser.ColName)
		if !ok {
			return true, nil
		}
		if col.Qualifier.Qualifier.String() == "" {
			return true, nil
		}
		alias, err := a.resolveTableRef(col.Qualifier)
		if err != nil {
			walkErr = err
			return false, nil
		}
		col.Qualifier = sqlparser.TableName{Name: sqlparser.NewTableIdent(alias)}
		return true, nil
	}, sel)
	if walkErr != nil {
		return "", walkErr
	}

	// sqlparser back-quotes keyword identifiers (e.g. status) MySQL-style;
	// the analytical runtime takes double quotes. String literals are kept.
	out, inStr := []byte(sqlparser.String(sel)), false
	for i := 0; i < len(out); i++ {
		switch {
		case inStr && out[i] == '\\':
			i++
		case out[i] == '\'':
			inStr = !inStr
		case out[i] == '`' && !inStr:
			out[i] = '"'
		}
	}
	return string(out), nil
}

func rewriteTables(exprs sqlparser.TableExprs, a *Analysis) error {
	var walkTable func(te sqlparser.TableExpr) error
	walkTable = func(te sqlparser.TableExpr) error {
		switch t := te.(type) {
		case *sqlparser.AliasedTableExpr:
			name, ok := t.Expr.(sqlparser.TableName)
			if !ok {
				return qerr.New(qerr.CodePlanFailed, "derived tables in FROM are not supported")
			}
			alias := t.As.String()
			if alias == "" {
				alias = name.Name.String()
			}
			binding, ok := a.Bindings[alias]
			if !ok {
				return qerr.New(qerr.CodePlanFailed, "internal: no binding for alias %q", alias)
			}
			t.Expr = sqlparser.TableName{Name: sqlparser.NewTableIdent(binding.View)}
			if t.As.String() == "" {
				t.As = sqlparser.NewTableIdent(alias)
			}
			return nil
		case *sqlparser.JoinTableExpr:
			if err := walkTable(t.LeftExpr); err != nil {
				return err
			}
			return walkTable(t.RightExpr)
		case *sqlparser.ParenTableExpr:
			for _, inner := range t.Exprs {
				if err := walkTable(inner); err != nil {
					return err
				}
			}
			return nil
		default:
			return qerr.New(qerr.CodePlanFailed, "unsupported FROM construct")
		}
	}
	for _, te := range exprs {
		if err := walkTable(te); err != nil {
			return err
		}
	}
	return nil
}
