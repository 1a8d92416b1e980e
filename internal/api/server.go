// Package api exposes the operator REST surface: executions, the approval
// queue, runbooks, audit, and metrics. Mutating routes take a bearer token;
// reads are open to the operator network.
package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/events"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/metrics"
	"github.com/detectforge/responder/internal/runbook"
	"github.com/detectforge/responder/internal/store"
)

// maxBodyBytes caps POST request bodies (1 MiB).
const maxBodyBytes int64 = 1 << 20

// EngineControl is the slice of the engine the API drives: cooperative
// cancellation and L2 promotion.
type EngineControl interface {
	Cancel(executionID, reason string) error
	ExecuteApproved(ctx context.Context, requestID string) (execution.StepResult, error)
}

// Options configure the REST server.
type Options struct {
	// Addr is the listen address, host:port.
	Addr   string
	Store  *store.Store
	Engine EngineControl
	Loader *runbook.Loader
	// PlaybookDir is the directory the runbook routes list and load.
	PlaybookDir string
	Metrics     *metrics.Set
	Bus         *events.Bus
	// TokenHash is the bcrypt hash of the operator bearer token. Empty
	// disables auth on mutating routes.
	TokenHash string
	Version   string
	// MCP, when set, is mounted at /mcp. Its message POSTs pass through the
	// same token check as the REST mutating routes.
	MCP    http.Handler
	Logger *zap.Logger
	Now    func() time.Time
}

// Server is the operator REST API.
type Server struct {
	store       *store.Store
	engine      EngineControl
	loader      *runbook.Loader
	playbookDir string
	bus         *events.Bus
	metrics     *metrics.Set
	tokenHash   string
	version     string
	logger      *zap.Logger
	now         func() time.Time

	httpServer *http.Server
}

// New builds the REST server. It does not start listening; call Run.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		store:       opts.Store,
		engine:      opts.Engine,
		loader:      opts.Loader,
		playbookDir: opts.PlaybookDir,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		tokenHash:   opts.TokenHash,
		version:     opts.Version,
		logger:      opts.Logger,
		now:         opts.Now,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux, opts.MCP)

	var handler http.Handler = mux
	handler = maxBodySizeMiddleware(handler)
	handler = s.requireToken(handler)

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux, mcp http.Handler) {
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/v1/executions/{id}/audit", s.handleExecutionAudit)
	mux.HandleFunc("GET /api/v1/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.handleCancelExecution)

	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /api/v1/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/approvals/{id}/deny", s.handleDeny)
	mux.HandleFunc("POST /api/v1/approvals/expire", s.handleExpireApprovals)

	mux.HandleFunc("GET /api/v1/runbooks", s.handleListRunbooks)
	mux.HandleFunc("GET /api/v1/runbooks/{id}", s.handleGetRunbook)
	mux.HandleFunc("POST /api/v1/runbooks/validate", s.handleValidateRunbook)

	mux.HandleFunc("GET /api/v1/metrics/summary", s.handleMetricsSummary)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if mcp != nil {
		mux.Handle("/mcp", mcp)
		mux.Handle("/mcp/", mcp)
	}
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the server and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("api listening",
		zap.String("addr", s.httpServer.Addr),
		zap.Bool("auth_enabled", s.tokenHash != ""),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// maxBodySizeMiddleware limits POST/PUT/PATCH request body size.
//
// Requests whose Content-Length already exceeds the limit are rejected with
// 413; every write request additionally gets a MaxBytesReader as a net
// against chunked payloads.
func maxBodySizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if r.ContentLength > maxBodyBytes {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large (limit 1MB)")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
