// Package executor runs the fetch waves of a query plan: bounded parallel
// fan-out with cooperative cancellation and per-source deadlines.
//
// Each fetch task runs the pipeline cache-lookup -> governor-admit ->
// connector-fetch -> cache-write-back -> security-filter. The security
// filter is applied strictly after the cache layer, so every rowset
// handed to the analytical runtime has already been filtered, whether it
// came from upstream or from cache.
//
// Error aggregation: per-node failures are recorded, never lost to the
// first-cancel race. When every failing node failed with the same kind,
// that kind surfaces; otherwise the first required node's failure does.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/cache"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/connector"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/metrics"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/qerr"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/rate"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/security"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// DefaultMaxParallel caps fan-out when the caller does not.
const DefaultMaxParallel = 16

// Executor owns the shared collaborators of all queries.
type Executor struct {
	Cache    *cache.Cache
	Governor *rate.Governor
	Registry *connector.Registry
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// MaxParallel bounds concurrent fetch tasks per query.
	MaxParallel int
	// MaxRowsPerFetch fails any fetch returning more rows.
	MaxRowsPerFetch int
}

// Options carries the per-query knobs.
type Options struct {
	Tenant       string
	MaxStaleness time.Duration
	// Bypass disables cache reads (max_staleness_ms = 0).
	Bypass bool
	// Rules holds the resolved security rule set per binding alias.
	Rules map[string]security.RuleSet
	// StrictEntitlement fails a required node whose row rules removed
	// every fetched row.
	StrictEntitlement bool
}

// NodeResult is one node's filtered rowset plus its freshness pedigree.
type NodeResult struct {
	Node      *types.FetchNode
	Rowset    *types.Rowset
	FromCache bool
	Age       time.Duration
	Stale     bool
	// FetchedRows counts rows before security filtering.
	FetchedRows int
	// SecurityTime is the time spent in the security filter.
	SecurityTime time.Duration
}

// Run executes the plan's waves in order; nodes within a wave run
// concurrently under the fan-out bound. The context carries the query
// deadline and cancellation root.
func (e *Executor) Run(ctx context.Context, waves [][]*types.FetchNode, opts Options) ([]*NodeResult, error) {
	var out []*NodeResult
	for _, wave := range waves {
		results, err := e.runWave(ctx, wave, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}
	return out, nil
}

func (e *Executor) runWave(ctx context.Context, nodes []*types.FetchNode, opts Options) ([]*NodeResult, error) {
	limit := e.MaxParallel
	if limit <= 0 {
		limit = DefaultMaxParallel
	}
	if limit > len(nodes) && len(nodes) > 0 {
		limit = len(nodes)
	}
	sem := semaphore.NewWeighted(int64(limit))

	results := make([]*NodeResult, len(nodes))
	errs := make([]error, len(nodes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, node := range nodes {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				errs[i] = qerr.Wrap(qerr.CodeSourceTimeout, err, "query cancelled before fetch of %s.%s", node.Source, node.Table).WithSource(node.Source)
				mu.Unlock()
				return errs[i]
			}
			defer sem.Release(1)

			res, err := e.fetchNode(gctx, node, opts)
			mu.Lock()
			results[i], errs[i] = res, err
			mu.Unlock()
			return err
		})
	}
	_ = g.Wait()

	if err := aggregate(nodes, errs); err != nil {
		return nil, err
	}
	return results, nil
}

// fetchNode runs the full pipeline for one node.
func (e *Executor) fetchNode(ctx context.Context, node *types.FetchNode, opts Options) (*NodeResult, error) {
	conn, ok := e.Registry.Lookup(node.Source)
	if !ok {
		return nil, qerr.New(qerr.CodeSourceError, "no connector registered for source %q", node.Source).WithSource(node.Source)
	}
	desc := conn.Describe()

	look := cache.Lookup{
		Tenant:       opts.Tenant,
		Source:       node.Source,
		Table:        node.Table,
		Filters:      node.Pushed,
		MaxStaleness: opts.MaxStaleness,
		Bypass:       opts.Bypass,
		HardCap:      desc.HardStalenessCap,
	}

	res, err := e.Cache.GetOrFetch(ctx, look, func(fctx context.Context) (*types.Rowset, error) {
		return e.liveFetch(fctx, conn, desc, node, opts)
	})
	if err != nil {
		return nil, err
	}

	fetched := len(res.Rowset.Rows)
	rowset := res.Rowset
	var securityTime time.Duration
	if rules, ok := opts.Rules[node.Alias]; ok {
		start := time.Now()
		rowset = security.Apply(rules, rowset)
		securityTime = time.Since(start)
	}
	if opts.StrictEntitlement && node.Required && fetched > 0 && len(rowset.Rows) == 0 {
		return nil, qerr.New(qerr.CodeEntitlementDenied, "row rules removed every %s.%s row", node.Source, node.Table).WithSource(node.Source)
	}

	return &NodeResult{
		Node:         node,
		Rowset:       rowset,
		FromCache:    res.FromCache,
		Age:          res.Age,
		Stale:        res.Stale,
		FetchedRows:  fetched,
		SecurityTime: securityTime,
	}, nil
}

// liveFetch is the cache-miss path: admission, connector IO, row cap.
func (e *Executor) liveFetch(ctx context.Context, conn connector.Connector, desc types.SourceDescriptor, node *types.FetchNode, opts Options) (*types.Rowset, error) {
	// No new connector work once the query is cancelled or timed out.
	if err := ctx.Err(); err != nil {
		return nil, qerr.Wrap(qerr.CodeSourceTimeout, err, "fetch of %s.%s not started", node.Source, node.Table).WithSource(node.Source)
	}

	admitted, retryAfter := e.Governor.Admit(node.Source, opts.Tenant)
	if !admitted {
		return nil, qerr.New(qerr.CodeRateLimitExhausted, "rate budget exhausted for %s", node.Source).
			WithSource(node.Source).
			WithRetryAfter(retryAfter)
	}

	fctx := ctx
	if desc.Deadline > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, desc.Deadline)
		defer cancel()
	}

	e.Metrics.FetchStarted()
	start := time.Now()
	rowset, err := conn.Fetch(fctx, connector.Request{
		Table:   node.Table,
		Filters: node.Pushed,
		Columns: node.Projected,
	})
	e.Metrics.FetchDone()
	e.Metrics.ObserveFetch(node.Source, time.Since(start).Seconds())
	if err != nil {
		e.Logger.Debug("fetch failed",
			zap.String("source", node.Source),
			zap.String("table", node.Table),
			zap.Error(err))
		return nil, qerr.AsError(err)
	}

	if e.MaxRowsPerFetch > 0 && len(rowset.Rows) > e.MaxRowsPerFetch {
		return nil, qerr.New(qerr.CodeSourceError, "source %s returned %d rows, above the %d row cap", node.Source, len(rowset.Rows), e.MaxRowsPerFetch).WithSource(node.Source)
	}
	return rowset, nil
}

// aggregate folds per-node outcomes into the query's verdict. Failures that
// are only the wave's cancellation (context.Canceled) are set aside when
// some node failed on its own account.
func aggregate(nodes []*types.FetchNode, errs []error) error {
	primary := false
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			primary = true
		}
	}
	var failed []error
	var firstRequired error
	sameCode := true
	var code qerr.Code
	for i, err := range errs {
		if err == nil || (primary && errors.Is(err, context.Canceled)) {
			continue
		}
		failed = append(failed, err)
		c := qerr.CodeOf(err)
		if len(failed) == 1 {
			code = c
		} else if c != code {
			sameCode = false
		}
		if firstRequired == nil && nodes[i].Required {
			firstRequired = err
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if sameCode || firstRequired == nil {
		// All failures share a kind (or only optional nodes failed):
		// surface the first, which already carries the code and hints.
		return failed[0]
	}
	return firstRequired
}
