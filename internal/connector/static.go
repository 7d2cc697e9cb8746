package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/qerr"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// Static serves a manifest-declared source from seeded rows. It honors
// pushed filters the way a real API would, returns full rows whatever
// columns were requested, simulates upstream latency, and counts fetches so tests can assert cache and
// single-flight behavior. All declaratively described connectors are this
// one adapter with different manifests.
type Static struct {
	desc types.SourceDescriptor
	rows map[string][][]any // table -> seeded rows in schema order

	latency time.Duration
	calls   atomic.Int64

	mu      sync.Mutex
	failErr error
	failN   int
}

// NewStatic builds the adapter, coercing seed row values to their declared
// column types.
func NewStatic(m *Manifest) (*Static, error) {
	desc, err := m.Descriptor()
	if err != nil {
		return nil, err
	}
	s := &Static{
		desc:    desc,
		rows:    make(map[string][][]any, len(m.Tables)),
		latency: time.Duration(m.LatencyMS) * time.Millisecond,
	}
	for _, t := range m.Tables {
		schema := desc.Tables[t.Name].Columns
		rows := make([][]any, 0, len(t.Rows))
		for i, raw := range t.Rows {
			row := make([]any, len(schema))
			for j, col := range schema {
				v, ok := raw[col.Name]
				if !ok || v == nil {
					row[j] = nil
					continue
				}
				cv, err := types.Coerce(v, col.Type)
				if err != nil {
					return nil, fmt.Errorf("source %s table %s row %d column %s: %w", m.Source, t.Name, i, col.Name, err)
				}
				row[j] = cv
			}
			rows = append(rows, row)
		}
		s.rows[t.Name] = rows
	}
	return s, nil
}

// Describe implements Connector.
func (s *Static) Describe() types.SourceDescriptor { return s.desc }

// Calls returns how many times Fetch has been invoked.
func (s *Static) Calls() int64 { return s.calls.Load() }

// FailNext makes the next n fetches return err; tests only.
func (s *Static) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
	s.failErr = err
}

// Fetch implements Connector.
func (s *Static) Fetch(ctx context.Context, req Request) (*types.Rowset, error) {
	s.calls.Add(1)

	s.mu.Lock()
	if s.failN > 0 {
		s.failN--
		err := s.failErr
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, qerr.Wrap(qerr.CodeSourceTimeout, ctx.Err(), "fetch of %s.%s timed out", s.desc.Name, req.Table).WithSource(s.desc.Name)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, qerr.Wrap(qerr.CodeSourceTimeout, err, "fetch of %s.%s timed out", s.desc.Name, req.Table).WithSource(s.desc.Name)
	}

	table, ok := s.desc.Tables[req.Table]
	if !ok {
		return nil, qerr.New(qerr.CodeSourceError, "source %s has no table %s", s.desc.Name, req.Table).WithSource(s.desc.Name)
	}

	// Validate that only pushable filters were pushed; a misrouted filter
	// is a core bug and must fail loudly rather than silently return empty.
	for col := range req.Filters {
		if !table.Pushable(col) {
			return nil, qerr.New(qerr.CodeSourceError, "source %s table %s cannot filter by %q", s.desc.Name, req.Table, col).WithSource(s.desc.Name)
		}
	}

	schema := table.Columns
	out := &types.Rowset{Schema: append(types.Schema(nil), schema...)}
	for _, row := range s.rows[req.Table] {
		keep := true
		for col, f := range req.Filters {
			idx := schema.Index(col)
			if idx < 0 || !types.MatchesFilter(row[idx], f) {
				keep = false
				break
			}
		}
		if keep {
			out.Rows = append(out.Rows, append([]any(nil), row...))
		}
	}
	return out, nil
}
