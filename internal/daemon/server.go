// Package daemon exposes the query pipeline over HTTP. The surface is
// deliberately thin: the upstream gateway terminates authentication and
// forwards the resolved principal in trusted headers.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/cache"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/connector"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/orchestrator"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/qerr"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// Principal headers set by the authenticating gateway.
const (
	HeaderUserID       = "X-Omnisql-User"
	HeaderTenantID     = "X-Omnisql-Tenant"
	HeaderRole         = "X-Omnisql-Role"
	HeaderTeamID       = "X-Omnisql-Team"
	HeaderCapabilities = "X-Omnisql-Capabilities"
)

// Server is the HTTP daemon.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *connector.Registry
	Cache        *cache.Cache
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger

	// SweepInterval drives the background cache TTL sweeper.
	SweepInterval time.Duration

	httpServer *http.Server
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/query", s.handleQuery)
	r.Get("/v1/sources", s.handleSources)
	r.Get("/healthz", s.handleHealth)
	if s.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe runs the daemon until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.Routes(), h2s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweepLoop(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.Logger.Info("daemon listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down cleanly: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	if s.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.SweepInterval)
	defer ticker.Stop()
	maxCap := s.Registry.MaxHardCap()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := s.Cache.Sweep(maxCap); dropped > 0 {
				s.Logger.Debug("cache sweep", zap.Int("dropped", dropped))
			}
		}
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFrom(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, orchestrator.ShapeError(err, r.Header.Get("X-Request-Id")))
		return
	}

	var wire queryRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeJSON(w, http.StatusBadRequest, orchestrator.ShapeError(
			qerr.Wrap(qerr.CodePlanFailed, err, "malformed request body"), ""))
		return
	}
	req := wire.toRequest()
	req.Principal = principal

	resp, err := s.Orchestrator.Execute(r.Context(), req)
	if err != nil {
		qe := qerr.AsError(err)
		writeJSON(w, statusFor(qe.Code), orchestrator.ShapeError(qe, req.TraceID))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// queryRequest is the wire shape: sql plus a metadata envelope. The
// metadata fields are also accepted at the top level for convenience.
type queryRequest struct {
	SQL      string `json:"sql"`
	Metadata struct {
		MaxStalenessMS int64  `json:"max_staleness_ms"`
		DeadlineMS     int64  `json:"deadline_ms"`
		TraceID        string `json:"trace_id"`
	} `json:"metadata"`
	MaxStalenessMS int64  `json:"max_staleness_ms"`
	DeadlineMS     int64  `json:"deadline_ms"`
	TraceID        string `json:"trace_id"`
}

func (q queryRequest) toRequest() orchestrator.Request {
	req := orchestrator.Request{
		SQL:            q.SQL,
		MaxStalenessMS: q.Metadata.MaxStalenessMS,
		DeadlineMS:     q.Metadata.DeadlineMS,
		TraceID:        q.Metadata.TraceID,
	}
	if req.MaxStalenessMS == 0 {
		req.MaxStalenessMS = q.MaxStalenessMS
	}
	if req.DeadlineMS == 0 {
		req.DeadlineMS = q.DeadlineMS
	}
	if req.TraceID == "" {
		req.TraceID = q.TraceID
	}
	return req
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.Catalog())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok"}
	if tenant := r.URL.Query().Get("tenant"); tenant != "" {
		payload["cache"] = s.Cache.StatsFor(tenant)
	}
	writeJSON(w, http.StatusOK, payload)
}

func principalFrom(r *http.Request) (types.Principal, error) {
	userID := r.Header.Get(HeaderUserID)
	tenantID := r.Header.Get(HeaderTenantID)
	if userID == "" || tenantID == "" {
		return types.Principal{}, qerr.New(qerr.CodeEntitlementDenied, "missing principal headers")
	}
	p := types.Principal{
		UserID:   userID,
		TenantID: tenantID,
		Role:     r.Header.Get(HeaderRole),
		TeamID:   r.Header.Get(HeaderTeamID),
	}
	if caps := r.Header.Get(HeaderCapabilities); caps != "" {
		for _, c := range strings.Split(caps, ",") {
			if c = strings.TrimSpace(c); c != "" {
				p.Capabilities = append(p.Capabilities, c)
			}
		}
	}
	return p, nil
}

func statusFor(code qerr.Code) int {
	switch code {
	case qerr.CodePlanFailed:
		return http.StatusBadRequest
	case qerr.CodeRateLimitExhausted:
		return http.StatusTooManyRequests
	case qerr.CodeSourceTimeout:
		return http.StatusGatewayTimeout
	case qerr.CodeEntitlementDenied:
		return http.StatusForbidden
	case qerr.CodeSourceError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
