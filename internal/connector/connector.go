// Package connector defines the contract every source adapter satisfies
// and provides the manifest-driven static adapter used for declared
// sources. An adapter is any value implementing the two operations; there
// is no registration side-channel or base type to embed.
//
// Adapters own pagination, auth-token refresh, and mapping native errors
// to the standard kinds. They must return within the context deadline or
// fail with SOURCE_TIMEOUT, and must not retry internally on throttling:
// a 429-equivalent is reported up as RATE_LIMIT_EXHAUSTED and handled by
// the governor.
package connector

import (
	"context"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// Request names the slice of a table one fetch wants.
type Request struct {
	Table string
	// Filters are the pushed predicates, keyed by column.
	Filters map[string]types.Filter
	// Columns is the projection; empty means all columns. Sources that
	// cannot omit columns may return full rows, the planner narrows the
	// analytical view regardless.
	Columns []string
}

// Connector is the contract between the core and one external source.
type Connector interface {
	// Describe enumerates the source's tables and capabilities.
	Describe() types.SourceDescriptor

	// Fetch returns the requested rows. The context carries the fetch
	// deadline; implementations must observe cancellation between IO
	// operations and between pagination pages.
	Fetch(ctx context.Context, req Request) (*types.Rowset, error)
}
