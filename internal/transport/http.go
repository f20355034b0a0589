package transport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the HTTP surface.
type Options struct {
	// MCP serves /mcp when set.
	MCP http.Handler
	// Auth guards /mcp when set. Health and metrics stay open.
	Auth func(http.Handler) http.Handler
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewServer creates an HTTP server router with middleware.
func NewServer(opts Options) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(opts.Logger))

	r.Get("/health", handleHealth)

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	if opts.MCP != nil {
		r.Group(func(r chi.Router) {
			if opts.Auth != nil {
				r.Use(opts.Auth)
			}
			r.Handle("/mcp", opts.MCP)
			r.Handle("/mcp/*", opts.MCP)
		})
	}

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
