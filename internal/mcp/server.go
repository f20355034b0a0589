package mcp

import (
	"context"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ganot/tabsync/internal/domain/session"
)

// SessionService defines the session store operations exposed as tools.
type SessionService interface {
	List(ctx context.Context, filter session.Filter) ([]session.Record, error)
	Get(ctx context.Context, id string) (*session.Record, error)
	Summarize(ctx context.Context, userID string) (*session.Summary, error)
	Prune(ctx context.Context, userID, keep string) (session.PruneResult, error)
}

// Config contains server configuration.
type Config struct {
	Sessions      SessionService
	Resolver      TokenResolver
	AuthEnabled   bool
	TransportMode string // "stdio" or "http"
	Version       string
	Logger        *slog.Logger
}

const serverInstructions = `tabsync records how long a signed-in user keeps the app open.

One record is written per leadership episode by the tab that currently
leads. Records stay active while their tab heartbeats and are closed when
the tab stops leading, signs out or times out idle.

- list_sessions: browse records, optionally by user or active state.
- get_session: one record by id.
- session_summary: count and total seconds for a user.
- prune_sessions: close abandoned records and delete expired ones.
`

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "tabsync",
		Version: version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	// Stdio is local only and never authenticates.
	if cfg.TransportMode != "stdio" && cfg.AuthEnabled {
		server.AddReceivingMiddleware(authMiddleware(cfg.Resolver))
	} else {
		server.AddReceivingMiddleware(noAuthMiddleware("local"))
	}
	server.AddReceivingMiddleware(trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	registerTools(server, cfg.Sessions)

	return server
}
