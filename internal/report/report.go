// Package report handles failures that are logged and dropped instead of
// returned: best-effort store writes and background cleanup.
package report

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
)

// Reporter logs a dropped failure and forwards it to Sentry when a client
// is bound to the hub.
type Reporter struct {
	logger *slog.Logger
	hub    *sentry.Hub
}

// New returns a Reporter. A nil hub falls back to sentry.CurrentHub, which
// discards events until sentry.Init is called.
func New(logger *slog.Logger, hub *sentry.Hub) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Reporter{logger: logger, hub: hub}
}

// Logger returns the underlying logger.
func (r *Reporter) Logger() *slog.Logger {
	return r.logger
}

// Dropped records err, which the caller will not retry further.
func (r *Reporter) Dropped(ctx context.Context, msg string, err error, attrs ...any) {
	r.logger.ErrorContext(ctx, msg, append(attrs, "error", err)...)

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = r.hub
	}
	hub.WithScope(func(scope *sentry.Scope) {
		for i := 0; i+1 < len(attrs); i += 2 {
			if key, ok := attrs[i].(string); ok {
				scope.SetTag(key, fmt.Sprint(attrs[i+1]))
			}
		}
		hub.CaptureException(fmt.Errorf("%s: %w", msg, err))
	})
}
