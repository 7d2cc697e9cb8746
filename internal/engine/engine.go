// Package engine hosts the ephemeral analytical session: an in-process
// columnar DuckDB instance created per query and torn down before the
// response is built. Filtered rowsets are registered as tables named
// <source>_<table> (<source>_<table>_<alias> when a table is bound more
// than once); the rewritten SQL then runs against them, which gives
// us join ordering, residual predicate evaluation, ORDER BY, GROUP BY,
// and LIMIT without any state shared between queries.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Registers the "duckdb" database/sql driver.
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/qerr"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// insertChunk bounds rows per INSERT statement to keep placeholder lists
// sane on large rowsets.
const insertChunk = 200

// Session is one query's private analytical context. Not safe for
// concurrent use; a query owns its session exclusively.
type Session struct {
	db   *sql.DB
	conn *sql.Conn
}

// NewSession opens a fresh in-memory instance.
func NewSession(ctx context.Context) (*Session, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeInternal, err, "failed to open analytical engine")
	}
	// A single pinned connection keeps every registered table visible to
	// the final statement.
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, qerr.Wrap(qerr.CodeInternal, err, "failed to acquire engine connection")
	}
	return &Session{db: db, conn: conn}, nil
}

// Close releases all engine state. Safe to call more than once.
func (s *Session) Close() error {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Register materializes a filtered rowset as the named table, narrowed to
// the projected columns. An empty projection keeps the full schema.
func (s *Session) Register(ctx context.Context, name string, rowset *types.Rowset, projected []string) error {
	schema, idx := narrow(rowset.Schema, projected)

	cols := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = fmt.Sprintf("%s %s", quoteIdent(c.Name), duckType(c.Type))
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(cols, ", "))
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return qerr.Wrap(qerr.CodeInternal, err, "failed to create view %s", name)
	}

	if len(rowset.Rows) == 0 {
		return nil
	}

	placeholderRow := "(" + strings.TrimRight(strings.Repeat("?,", len(schema)), ",") + ")"
	for start := 0; start < len(rowset.Rows); start += insertChunk {
		end := start + insertChunk
		if end > len(rowset.Rows) {
			end = len(rowset.Rows)
		}
		chunk := rowset.Rows[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(schema))
		for i, row := range chunk {
			placeholders[i] = placeholderRow
			for _, j := range idx {
				args = append(args, row[j])
			}
		}
		stmt := fmt.Sprintf("INSERT INTO %s VALUES %s", quoteIdent(name), strings.Join(placeholders, ", "))
		if _, err := s.conn.ExecContext(ctx, stmt, args...); err != nil {
			return qerr.Wrap(qerr.CodeInternal, err, "failed to load rows into %s", name)
		}
	}
	return nil
}

// Run executes the rewritten SQL and materializes the result.
func (s *Session) Run(ctx context.Context, query string) ([]string, [][]any, error) {
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, qerr.Wrap(qerr.CodeInternal, err, "analytical execution failed")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, qerr.Wrap(qerr.CodeInternal, err, "failed to read result schema")
	}

	var out [][]any
	for rows.Next() {
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, qerr.Wrap(qerr.CodeInternal, err, "failed to scan result row")
		}
		for i, v := range raw {
			raw[i] = normalize(v)
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, qerr.Wrap(qerr.CodeInternal, err, "result iteration failed")
	}
	return columns, out, nil
}

// narrow selects the projected subset of the schema, preserving schema
// order, and returns the source row indices to copy.
func narrow(schema types.Schema, projected []string) (types.Schema, []int) {
	if len(projected) == 0 {
		idx := make([]int, len(schema))
		for i := range schema {
			idx[i] = i
		}
		return schema, idx
	}
	want := make(map[string]bool, len(projected))
	for _, c := range projected {
		want[c] = true
	}
	var out types.Schema
	var idx []int
	for i, c := range schema {
		if want[c.Name] {
			out = append(out, c)
			idx = append(idx, i)
		}
	}
	if len(out) == 0 {
		// Nothing matched (all projected columns were blocked); keep the
		// surviving schema so the engine still has a table to join on.
		idx = make([]int, len(schema))
		for i := range schema {
			idx[i] = i
		}
		return schema, idx
	}
	return out, idx
}

func duckType(t types.SemType) string {
	switch t {
	case types.TypeInt:
		return "BIGINT"
	case types.TypeFloat:
		return "DOUBLE"
	case types.TypeBool:
		return "BOOLEAN"
	case types.TypeTime:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// normalize maps driver values onto the canonical row value set.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t
	default:
		return v
	}
}
