// Command tabsync runs one tab per process. Start several against the same
// state directory to watch them elect a leader and share one idle timer.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ganot/tabsync/internal/auth"
	"github.com/ganot/tabsync/internal/clock"
	"github.com/ganot/tabsync/internal/config"
	"github.com/ganot/tabsync/internal/device"
	"github.com/ganot/tabsync/internal/domain/session"
	"github.com/ganot/tabsync/internal/idle"
	"github.com/ganot/tabsync/internal/kv"
	"github.com/ganot/tabsync/internal/lease"
	"github.com/ganot/tabsync/internal/report"
	"github.com/ganot/tabsync/internal/sqlite"
	"github.com/ganot/tabsync/internal/tab"
	"github.com/ganot/tabsync/internal/transport"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))

	if err := run(cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Error("tabsync failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     version,
		}); err != nil {
			logger.Warn("sentry disabled", "error", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	store, err := kv.OpenDir(filepath.Join(cfg.State.Dir, "kv"), logger)
	if err != nil {
		return fmt.Errorf("open shared store: %w", err)
	}
	defer store.Close()

	if dir := filepath.Dir(cfg.DB.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.RunMigrations(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if cfg.Metrics.Addr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           transport.NewServer(transport.Options{Gatherer: reg, Logger: logger}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer metricsServer.Close()
	}

	provider := auth.NewLocal()
	co := cfg.Coordination
	tb, err := tab.New(tab.Config{
		Lease: lease.Config{TTL: co.LeaseTTL(), HeartbeatInterval: co.HeartbeatInterval()},
		Idle: idle.Config{
			WarningWindow:     co.WarningWindow(),
			IdleTimeout:       co.IdleTimeout(),
			BroadcastInterval: co.ActivityBroadcast(),
		},
		Retention: session.RetentionConfig{OrphanCeiling: co.OrphanCeiling(), Retention: co.Retention()},
		Device: device.Environment{
			UserAgent:      cfg.Device.UserAgent,
			ViewportWidth:  cfg.Device.ViewportWidth,
			ViewportHeight: cfg.Device.ViewportHeight,
		},
	}, tab.Deps{
		Clock:      clock.Real(),
		Store:      store,
		Records:    sqlite.NewSessionRepository(db),
		Auth:       provider,
		Registerer: reg,
		Reporter:   report.New(logger, nil),
		Logger:     logger,
		OnLogout: func() {
			fmt.Fprintln(out, "logged out")
			provider.SignOut()
		},
	})
	if err != nil {
		return err
	}
	tb.OnIdleUpdate(func(s idle.Snapshot) {
		switch {
		case s.ShowDialog:
			fmt.Fprintf(out, "idle warning: %ds left (type 'stay')\n", s.SecondsLeft)
		case s.Phase == idle.Normal:
			fmt.Fprintln(out, "idle: normal")
		}
	})
	tb.Start()
	defer tb.Close()
	fmt.Fprintf(out, "tab %s started\n", tb.ID())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleCommand(tb, provider, out, line); quit {
				return nil
			}
		}
	}
}

// handleCommand applies one stdin line and reports whether to exit.
func handleCommand(tb *tab.Tab, provider *auth.Local, out io.Writer, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		tb.Activity()
		return false
	}
	switch fields[0] {
	case "stay":
		tb.Stay()
	case "hide":
		tb.SetVisible(false)
	case "show":
		tb.SetVisible(true)
	case "login":
		if len(fields) < 2 {
			fmt.Fprintln(out, "usage: login <user-id> [email]")
			return false
		}
		user := session.User{ID: fields[1]}
		if len(fields) > 2 {
			user.Email = fields[2]
		}
		provider.SignIn(user)
	case "logout":
		tb.Logout()
	case "status":
		s := tb.Snapshot()
		fmt.Fprintf(out, "tab=%s leader=%t leader_id=%s session=%s idle=%s seconds_left=%d\n",
			s.TabID, s.Leader, s.LeaderID, s.SessionID, s.Idle.Phase, s.Idle.SecondsLeft)
	case "quit", "exit":
		return true
	default:
		tb.Activity()
	}
	return false
}
