package connector

import (
	"fmt"
	"sort"
	"time"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// Registry maps source names to their adapters and exposes the combined
// catalog the analyzer and planner resolve tables against.
type Registry struct {
	connectors map[string]Connector
}

// NewRegistry builds a registry over the given adapters. Duplicate source
// names are rejected.
func NewRegistry(conns ...Connector) (*Registry, error) {
	r := &Registry{connectors: make(map[string]Connector, len(conns))}
	for _, c := range conns {
		name := c.Describe().Name
		if _, dup := r.connectors[name]; dup {
			return nil, fmt.Errorf("duplicate connector for source %q", name)
		}
		r.connectors[name] = c
	}
	return r, nil
}

// Lookup returns the adapter for a source.
func (r *Registry) Lookup(source string) (Connector, bool) {
	c, ok := r.connectors[source]
	return c, ok
}

// Catalog returns every source descriptor, keyed by source name.
func (r *Registry) Catalog() map[string]types.SourceDescriptor {
	out := make(map[string]types.SourceDescriptor, len(r.connectors))
	for name, c := range r.connectors {
		out[name] = c.Describe()
	}
	return out
}

// Sources returns the registered source names in sorted order.
func (r *Registry) Sources() []string {
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MaxHardCap returns the largest hard staleness cap across sources; the
// cache sweeper prunes anything older.
func (r *Registry) MaxHardCap() time.Duration {
	var max time.Duration
	for _, c := range r.connectors {
		if d := c.Describe(); d.HardStalenessCap > max {
			max = d.HardStalenessCap
		}
	}
	return max
}
