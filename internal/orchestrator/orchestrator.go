// Package orchestrator wires the query pipeline end to end: analyze,
// plan, resolve security, execute the fetch waves, run the residual SQL
// in the analytical session, and shape the response metadata.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/connector"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/engine"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/executor"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/metrics"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/planner"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/qerr"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/rate"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/security"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/sqlanalyzer"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// Request is one federated query.
type Request struct {
	SQL       string          `json:"sql"`
	Principal types.Principal `json:"-"`
	// MaxStalenessMS of 0 bypasses cache reads.
	MaxStalenessMS int64  `json:"max_staleness_ms"`
	DeadlineMS     int64  `json:"deadline_ms"`
	TraceID        string `json:"trace_id"`
}

// Timing breaks down where a query spent its time.
type Timing struct {
	TotalMS      int64 `json:"total_ms"`
	PlanningMS   int64 `json:"planning_ms"`
	FetchMS      int64 `json:"fetch_ms"`
	SecurityMS   int64 `json:"security_ms"`
	AnalyticalMS int64 `json:"analytical_ms"`
}

// Response is a successful query result.
type Response struct {
	Rows            []map[string]any       `json:"rows"`
	Columns         []string               `json:"columns"`
	FreshnessMS     int64                  `json:"freshness_ms"`
	FromCache       bool                   `json:"from_cache"`
	RateLimitStatus map[string]rate.Status `json:"rate_limit_status"`
	Timing          Timing                 `json:"timing"`
	Warnings        []string               `json:"warnings,omitempty"`
	TraceID         string                 `json:"trace_id"`
}

// Orchestrator owns the pipeline's shared collaborators.
type Orchestrator struct {
	Registry *connector.Registry
	Policies *security.Store
	Executor *executor.Executor
	Governor *rate.Governor
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// DefaultDeadline applies when the request carries none.
	DefaultDeadline time.Duration
	// StrictEntitlement fails required sources whose rows were all
	// filtered away.
	StrictEntitlement bool
}

// Execute runs one query to completion.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	logger := o.Logger.With(
		zap.String("trace_id", traceID),
		zap.String("tenant", req.Principal.TenantID),
	)

	resp, err := o.execute(ctx, req, traceID, start, logger)
	if err != nil {
		qe := qerr.AsError(err)
		o.Metrics.IncQueryError(string(qe.Code))
		o.Metrics.ObserveQuery("error", time.Since(start).Seconds())
		logger.Warn("query failed",
			zap.String("code", string(qe.Code)),
			zap.Error(qe))
		return nil, qe
	}
	o.Metrics.ObserveQuery("ok", time.Since(start).Seconds())
	logger.Info("query completed",
		zap.Int("rows", len(resp.Rows)),
		zap.Bool("from_cache", resp.FromCache),
		zap.Int64("total_ms", resp.Timing.TotalMS))
	return resp, nil
}

func (o *Orchestrator) execute(ctx context.Context, req Request, traceID string, start time.Time, logger *zap.Logger) (*Response, error) {
	deadline := o.DefaultDeadline
	if req.DeadlineMS > 0 {
		deadline = time.Duration(req.DeadlineMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if req.MaxStalenessMS < 0 {
		return nil, qerr.New(qerr.CodePlanFailed, "max_staleness_ms must be >= 0")
	}

	// Planning: analyze, resolve policy, build fetch nodes.
	catalog := o.Registry.Catalog()
	analysis, err := sqlanalyzer.Analyze(req.SQL, catalog)
	if err != nil {
		return nil, err
	}

	rules := make(map[string]security.RuleSet, len(analysis.Order))
	for _, alias := range analysis.Order {
		b := analysis.Bindings[alias]
		rs, err := o.Policies.Resolve(req.Principal, req.Principal.TenantID, b.Source)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeInternal, err, "failed to resolve policy for %s", b.Source)
		}
		// A query that names a blocked column cannot be answered; absence
		// of the column only shapes SELECT * results.
		blocked := make(map[string]bool)
		for _, col := range rs.BlockedColumns() {
			blocked[col] = true
		}
		for col := range analysis.Projected[alias] {
			if blocked[col] {
				return nil, qerr.New(qerr.CodeEntitlementDenied, "column %s.%s is not available to this principal", alias, col).WithSource(b.Source)
			}
		}
		rules[alias] = rs
	}

	plan := planner.Build(analysis, catalog)
	planningDone := time.Now()

	// Fetch waves.
	results, err := o.Executor.Run(ctx, plan.Waves, executor.Options{
		Tenant:            req.Principal.TenantID,
		MaxStaleness:      time.Duration(req.MaxStalenessMS) * time.Millisecond,
		Bypass:            req.MaxStalenessMS == 0,
		Rules:             rules,
		StrictEntitlement: o.StrictEntitlement,
	})
	if err != nil {
		return nil, err
	}
	fetchDone := time.Now()

	// Analytical execution in a private session.
	session, err := engine.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var securityTime time.Duration
	for _, r := range results {
		securityTime += r.SecurityTime
		if err := session.Register(ctx, r.Node.View, r.Rowset, r.Node.Projected); err != nil {
			return nil, err
		}
	}
	columns, rows, err := session.Run(ctx, analysis.RewrittenSQL)
	if err != nil {
		return nil, err
	}
	analyticalDone := time.Now()

	// Response shaping.
	resp := &Response{
		Columns:         columns,
		Rows:            make([]map[string]any, 0, len(rows)),
		FromCache:       len(results) > 0,
		RateLimitStatus: o.Governor.Snapshot(req.Principal.TenantID),
		TraceID:         traceID,
	}
	for _, row := range rows {
		rec := make(map[string]any, len(columns))
		for i, col := range columns {
			rec[col] = row[i]
		}
		resp.Rows = append(resp.Rows, rec)
	}
	stale := false
	for _, r := range results {
		if !r.FromCache {
			resp.FromCache = false
		}
		if r.Stale {
			stale = true
		}
		if age := r.Age.Milliseconds(); age > resp.FreshnessMS {
			resp.FreshnessMS = age
		}
	}
	if stale {
		resp.Warnings = append(resp.Warnings, qerr.WarnStaleData)
	}
	resp.Timing = Timing{
		TotalMS:      time.Since(start).Milliseconds(),
		PlanningMS:   planningDone.Sub(start).Milliseconds(),
		FetchMS:      fetchDone.Sub(planningDone).Milliseconds(),
		SecurityMS:   securityTime.Milliseconds(),
		AnalyticalMS: analyticalDone.Sub(fetchDone).Milliseconds(),
	}

	logger.Debug("plan executed",
		zap.Int("fetch_nodes", len(plan.Nodes)),
		zap.Int("residual_predicates", analysis.ResidualCount))
	return resp, nil
}

// ErrorResponse is the wire-level error payload.
type ErrorResponse struct {
	Error   ErrorBody `json:"error"`
	TraceID string    `json:"trace_id"`
}

// ErrorBody carries the code and hints.
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Source       string `json:"source,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// ShapeError converts a pipeline error into the wire payload.
func ShapeError(err error, traceID string) ErrorResponse {
	qe := qerr.AsError(err)
	body := ErrorBody{
		Code:    string(qe.Code),
		Message: qe.Message,
		Source:  qe.Source,
	}
	if qe.RetryAfter > 0 {
		body.RetryAfterMS = qe.RetryAfter.Milliseconds()
	}
	return ErrorResponse{Error: body, TraceID: traceID}
}
