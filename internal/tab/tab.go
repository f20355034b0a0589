// Package tab assembles one tab's coordination stack: message bus, lease
// manager, session recorder and idle monitor.
package tab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ganot/tabsync/internal/auth"
	"github.com/ganot/tabsync/internal/bus"
	"github.com/ganot/tabsync/internal/clock"
	"github.com/ganot/tabsync/internal/device"
	"github.com/ganot/tabsync/internal/domain/session"
	"github.com/ganot/tabsync/internal/idle"
	"github.com/ganot/tabsync/internal/kv"
	"github.com/ganot/tabsync/internal/lease"
	"github.com/ganot/tabsync/internal/report"
)

// NewID returns a tab identity of the form <unixMs>-<random>.
func NewID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
}

// Config holds the coordination settings of a tab.
type Config struct {
	Lease     lease.Config
	Idle      idle.Config
	Retention session.RetentionConfig
	Device    device.Environment
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		Lease:     lease.DefaultConfig(),
		Idle:      idle.DefaultConfig(),
		Retention: session.DefaultRetention(),
	}
}

// Deps are the collaborators a tab is built from.
type Deps struct {
	// ID overrides the generated tab identity.
	ID    string
	Clock clock.Clock
	// Hub is the in-process native transport. When nil the tab talks
	// through Store.
	Hub     *bus.Hub
	Store   kv.Store
	Records session.RecordRepository
	Auth    auth.Provider
	// Registerer receives bus and lease metrics when set.
	Registerer prometheus.Registerer
	Reporter   *report.Reporter
	Logger     *slog.Logger
	// OnLogout runs when this tab logs the user out.
	OnLogout func()
}

// Tab is one running instance.
type Tab struct {
	id       string
	clock    clock.Clock
	bus      *bus.Bus
	devices  *device.Resolver
	lease    *lease.Manager
	recorder *session.Recorder
	idle     *idle.Monitor
	auth     auth.Provider
	logger   *slog.Logger
	onLogout func()

	mu        sync.Mutex
	user      *session.User
	loggedOut bool
	started   bool
	closed    bool
	cancels   []func()
}

// New wires a tab. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Tab, error) {
	if deps.Records == nil {
		return nil, errors.New("session records are required")
	}
	if err := cfg.Idle.Validate(); err != nil {
		return nil, fmt.Errorf("idle config: %w", err)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Store == nil {
		deps.Store = kv.Unavailable()
	}
	if deps.Auth == nil {
		deps.Auth = auth.NewLocal()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Reporter == nil {
		deps.Reporter = report.New(deps.Logger, nil)
	}
	if deps.OnLogout == nil {
		deps.OnLogout = func() {}
	}
	id := deps.ID
	if id == "" {
		id = NewID(deps.Clock.Now())
	}
	logger := deps.Logger.With("tab_id", id)

	transport := bus.Open(deps.Hub, deps.Store, deps.Clock, logger)
	transport = bus.NewPromTransport(transport, deps.Registerer)

	t := &Tab{
		id:       id,
		clock:    deps.Clock,
		bus:      bus.New(id, transport, logger),
		devices:  device.NewResolver(deps.Store, cfg.Device, deps.Clock, logger),
		auth:     deps.Auth,
		logger:   logger,
		onLogout: deps.OnLogout,
	}
	t.lease = lease.NewManager(id, t.bus, deps.Store, deps.Clock, cfg.Lease, deps.Logger)
	if deps.Registerer != nil {
		if err := t.lease.RegisterMetrics(deps.Registerer); err != nil {
			return nil, fmt.Errorf("register lease metrics: %w", err)
		}
	}
	service := session.NewService(deps.Records, deps.Clock, cfg.Retention, deps.Logger)
	t.recorder = session.NewRecorder(id, deps.Records, service, t.lease, t.devices, deps.Clock, t.lease.HeartbeatInterval(), deps.Reporter)
	t.idle = idle.NewMonitor(t.bus, deps.Clock, cfg.Idle, t.lease.IsLeader, func(local bool) { t.logout(local) }, deps.Logger)
	return t, nil
}

// ID returns the tab identity.
func (t *Tab) ID() string {
	return t.id
}

// Start joins the election and follows auth. The idle countdown runs
// while a user is signed in.
func (t *Tab) Start() {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	cancelBus := t.bus.Handle(t.handle)
	cancelLease := t.lease.OnChange(t.onLeadership)
	t.lease.Start()
	cancelAuth := t.auth.OnAuthChange(t.onAuth)

	t.mu.Lock()
	t.cancels = append(t.cancels, cancelBus, cancelLease, cancelAuth)
	t.mu.Unlock()
	t.logger.Info("tab started", "leader", t.lease.IsLeader(), "device_id", t.devices.DeviceID())
}

func (t *Tab) handle(msg bus.Message) {
	if msg.Type == bus.Logout {
		t.logout(false)
	}
}

func (t *Tab) onAuth(user *session.User) {
	t.mu.Lock()
	t.user = user
	if user != nil {
		t.loggedOut = false
	}
	t.mu.Unlock()

	ctx := context.Background()
	if user == nil {
		t.recorder.StopTracking(ctx)
		t.idle.Stop()
		return
	}
	t.idle.Start()
	t.idle.Reset()
	if err := t.recorder.StartTracking(ctx, *user); err != nil {
		t.logger.Warn("session tracking not started", "user_id", user.ID, "error", err)
	}
}

func (t *Tab) onLeadership(leader bool) {
	ctx := context.Background()
	if !leader {
		t.recorder.StopTracking(ctx)
		return
	}
	t.mu.Lock()
	user := t.user
	loggedOut := t.loggedOut
	t.mu.Unlock()
	if user == nil || loggedOut {
		return
	}
	if err := t.recorder.StartTracking(ctx, *user); err != nil {
		t.logger.Warn("session tracking not started", "user_id", user.ID, "error", err)
	}
}

// logout ends the signed-in episode once. broadcast announces it to peers.
func (t *Tab) logout(broadcast bool) {
	t.mu.Lock()
	if t.loggedOut || t.closed {
		t.mu.Unlock()
		return
	}
	t.loggedOut = true
	t.mu.Unlock()

	t.recorder.StopTracking(context.Background())
	if broadcast {
		t.bus.Send(bus.Message{Type: bus.Logout, At: t.clock.Now().UnixMilli()})
	}
	t.logger.Info("logged out", "broadcast", broadcast)
	t.onLogout()
}

// Logout signs the user out in every tab.
func (t *Tab) Logout() {
	t.logout(true)
}

// SetVisible forwards tab visibility to the lease manager.
func (t *Tab) SetVisible(visible bool) {
	t.lease.SetVisible(visible)
}

// Activity records passive user input.
func (t *Tab) Activity() {
	t.idle.Activity()
}

// Stay dismisses the idle warning everywhere.
func (t *Tab) Stay() {
	t.idle.Stay()
}

// Status is a point-in-time view of the tab.
type Status struct {
	TabID     string
	Leader    bool
	LeaderID  string
	SessionID string
	Idle      idle.Snapshot
}

// Snapshot returns the tab's current status.
func (t *Tab) Snapshot() Status {
	return Status{
		TabID:     t.id,
		Leader:    t.lease.IsLeader(),
		LeaderID:  t.lease.LeaderID(),
		SessionID: t.recorder.CurrentID(),
		Idle:      t.idle.Snapshot(),
	}
}

// OnIdleUpdate registers fn for idle phase changes and countdown ticks.
func (t *Tab) OnIdleUpdate(fn func(idle.Snapshot)) (cancel func()) {
	return t.idle.OnUpdate(fn)
}

// Close tears the tab down: final session write, lease release, timers
// cleared. Peers recover on their own when Close never runs.
func (t *Tab) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancels := t.cancels
	t.cancels = nil
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.recorder.StopTracking(context.Background())
	t.idle.Stop()
	t.lease.Close()
	t.recorder.Wait()
	t.logger.Info("tab closed")
	return t.bus.Close()
}
