// Package mcpserver exposes responder state as MCP tools and resources so
// agent frontends can triage executions and work the approval queue. The
// tools mirror the REST handlers; mutating capability is limited to
// decide_approval.
package mcpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/runbook"
	"github.com/detectforge/responder/internal/store"
)

// Version is injected from the daemon build metadata.
var Version = "dev"

// Promoter runs an approved queue entry in production.
type Promoter interface {
	ExecuteApproved(ctx context.Context, requestID string) (execution.StepResult, error)
}

// MCPServer exposes responder capabilities as MCP tools/resources.
type MCPServer struct {
	server      *mcp.Server
	handler     http.Handler
	store       *store.Store
	promoter    Promoter
	loader      *runbook.Loader
	playbookDir string
	logger      *zap.Logger
	now         func() time.Time
}

// New creates and wires the MCP surface.
func New(st *store.Store, promoter Promoter, loader *runbook.Loader, playbookDir string, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "responder",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:      srv,
		store:       st,
		promoter:    promoter,
		loader:      loader,
		playbookDir: playbookDir,
		logger:      logger.Named("mcp"),
		now:         time.Now,
	}

	m.registerTools()
	m.registerResources()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the SSE transport for mounting on the API mux.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

// Run serves the MCP protocol over stdin/stdout and blocks until ctx is
// cancelled or the peer disconnects. Logs must go to stderr in this mode;
// stdout belongs to the protocol.
func (s *MCPServer) Run(ctx context.Context) error {
	s.logger.Info("mcp stdio transport starting")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
