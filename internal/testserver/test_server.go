// Package testserver runs the session-store HTTP stack against an
// in-memory database for end-to-end tests.
package testserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ganot/tabsync/internal/clock"
	"github.com/ganot/tabsync/internal/domain/session"
	"github.com/ganot/tabsync/internal/mcp"
	"github.com/ganot/tabsync/internal/sqlite"
	"github.com/ganot/tabsync/internal/transport"
)

type TestServer struct {
	Server   *httptest.Server
	DB       *sqlite.DB
	Records  *sqlite.SessionRepository
	Registry *prometheus.Registry
	Token    string
}

// New starts a server that requires token on /mcp.
func New(t *testing.T, token string) *TestServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := sqlite.New(dsn)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())

	records := sqlite.NewSessionRepository(db)
	sessionSvc := session.NewService(records, clock.Real(), session.DefaultRetention(), nil)

	resolver := mcp.StaticToken{Token: token}
	mcpServer := mcp.NewServer(mcp.Config{
		Sessions:      sessionSvc,
		Resolver:      resolver,
		AuthEnabled:   true,
		TransportMode: "http",
	})
	handler := sdkmcp.NewStreamableHTTPHandler(
		func(*http.Request) *sdkmcp.Server { return mcpServer },
		&sdkmcp.StreamableHTTPOptions{SessionTimeout: time.Minute},
	)

	reg := prometheus.NewRegistry()
	server := httptest.NewServer(transport.NewServer(transport.Options{
		MCP:      handler,
		Auth:     transport.AuthMiddleware(resolver),
		Gatherer: reg,
	}))

	ts := &TestServer{
		Server:   server,
		DB:       db,
		Records:  records,
		Registry: reg,
		Token:    token,
	}

	t.Cleanup(func() {
		server.Close()
		_ = db.Close()
	})

	return ts
}

// Connect opens an MCP client session authenticated with token.
func (ts *TestServer) Connect(t *testing.T, token string) (*sdkmcp.ClientSession, error) {
	t.Helper()
	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	clientTransport := &sdkmcp.StreamableClientTransport{
		Endpoint:   ts.Server.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearer{token: token, next: http.DefaultTransport}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { cs.Close() })
	return cs, nil
}

type bearer struct {
	token string
	next  http.RoundTripper
}

func (b bearer) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)
	return b.next.RoundTrip(r)
}
