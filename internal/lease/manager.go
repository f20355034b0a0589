package lease

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ganot/tabsync/internal/bus"
	"github.com/ganot/tabsync/internal/clock"
	"github.com/ganot/tabsync/internal/kv"
)

// Manager runs the election for one tab.
//
// The mutex is never held while sending on the bus or calling listeners:
// the native transport delivers synchronously and peers answer inline.
type Manager struct {
	tabID  string
	bus    *bus.Bus
	store  kv.Store
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	leaderID  string
	visible   bool
	started   bool
	closed    bool
	heartbeat *clock.Timer
	retry     *clock.Timer
	cancelBus func()

	listenersMu sync.Mutex
	nextID      int
	listeners   map[int]func(leader bool)

	gauge prometheus.Gauge
}

// NewManager creates a follower. Call Start to join the election.
func NewManager(tabID string, b *bus.Bus, store kv.Store, clk clock.Clock, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tabID:     tabID,
		bus:       b,
		store:     store,
		clock:     clk,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("tab_id", tabID),
		visible:   true,
		listeners: make(map[int]func(bool)),
	}
}

// RegisterMetrics exports this tab's leadership as a gauge.
func (m *Manager) RegisterMetrics(reg prometheus.Registerer) error {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tabsync",
		Subsystem: "lease",
		Name:      "is_leader",
		Help:      "1 when the tab holds the leadership lease",
	}, []string{"tab_id"})
	if err := reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		vec = already.ExistingCollector.(*prometheus.GaugeVec)
	}
	gauge := vec.WithLabelValues(m.tabID)
	if m.IsLeader() {
		gauge.Set(1)
	} else {
		gauge.Set(0)
	}
	m.mu.Lock()
	m.gauge = gauge
	m.mu.Unlock()
	return nil
}

// Start subscribes to the bus, asks who leads and claims the lease.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	cancel := m.bus.Handle(m.handle)
	m.mu.Lock()
	m.cancelBus = cancel
	m.mu.Unlock()

	m.bus.Send(bus.Message{Type: bus.WhoIsLeader})
	m.Claim()
}

// OnChange registers fn for leadership gains and losses.
func (m *Manager) OnChange(fn func(leader bool)) (cancel func()) {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// State returns the current election state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HeartbeatInterval is the effective leader heartbeat period.
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.cfg.HeartbeatInterval
}

// IsLeader reports whether this tab currently believes it leads.
func (m *Manager) IsLeader() bool {
	return m.State() == Leader
}

// LeaderID returns the last known leader, or "" when unknown.
func (m *Manager) LeaderID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Leader {
		return m.tabID
	}
	return m.leaderID
}

// Claim reads the lease and takes it when it is absent, expired or already
// ours. It reports whether the tab leads afterwards.
func (m *Manager) Claim() bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	wasLeader := m.state == Leader
	m.state = Candidate
	now := m.clock.Now()

	current, found, err := m.readLocked()
	switch {
	case err != nil:
		m.logger.Warn("lease unreadable, leading as isolated tab", "error", err)
		m.becomeLeaderLocked()
	case !found || !current.Valid(now, m.cfg.TTL) || current.OwnerID == m.tabID:
		m.writeLocked(Lease{OwnerID: m.tabID, RenewedAt: now.UnixMilli()})
		m.becomeLeaderLocked()
	default:
		m.becomeFollowerLocked(current.OwnerID)
		m.scheduleRetryLocked(current.ExpiresAt(m.cfg.TTL).Sub(now))
	}
	leader := m.state == Leader
	m.mu.Unlock()

	if leader && !wasLeader {
		m.logger.Info("acquired leadership")
		m.bus.Send(bus.Message{Type: bus.Heartbeat, Leader: m.tabID})
	}
	if leader != wasLeader {
		m.notify(leader)
	}
	return leader
}

// SetVisible records tab visibility. A leader going hidden stops
// heartbeating and releases the lease; a tab becoming visible claims.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	if m.closed || m.visible == visible {
		m.mu.Unlock()
		return
	}
	m.visible = visible
	started := m.started
	m.mu.Unlock()

	if !started {
		return
	}
	if visible {
		m.Claim()
		return
	}
	m.release("hidden")
}

// Close stops all timers and releases the lease if held. Correctness never
// depends on this running: an abandoned lease expires after the TTL.
func (m *Manager) Close() {
	m.release("closed")

	m.mu.Lock()
	m.closed = true
	m.stopTimersLocked()
	cancel := m.cancelBus
	m.cancelBus = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (m *Manager) release(reason string) {
	m.mu.Lock()
	if m.state != Leader {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	now := m.clock.Now()
	current, found, err := m.readLocked()
	if err == nil && (!found || current.OwnerID == m.tabID) {
		m.writeLocked(Lease{OwnerID: m.tabID, RenewedAt: now.Add(-m.cfg.TTL).UnixMilli()})
	}
	m.becomeFollowerLocked("")
	m.mu.Unlock()

	m.logger.Info("released leadership", "reason", reason)
	m.bus.Send(bus.Message{Type: bus.Release, Leader: m.tabID})
	m.notify(false)
}

func (m *Manager) handle(msg bus.Message) {
	switch msg.Type {
	case bus.WhoIsLeader:
		if m.IsLeader() {
			m.bus.Send(bus.Message{Type: bus.LeaderIs, Leader: m.tabID})
		}
	case bus.Heartbeat, bus.LeaderIs:
		leader := msg.Leader
		if leader == "" {
			leader = msg.From
		}
		m.observeLeader(leader)
	case bus.Release:
		m.mu.Lock()
		if m.leaderID == msg.From {
			m.leaderID = ""
		}
		claim := m.visible && !m.closed && m.started && m.state != Leader
		m.mu.Unlock()
		if claim {
			m.Claim()
		}
	}
}

func (m *Manager) observeLeader(leader string) {
	if leader == m.tabID {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.state != Leader {
		m.leaderID = leader
		m.scheduleRetryLocked(m.cfg.TTL)
		m.mu.Unlock()
		return
	}

	// Two leaders: the lease decides.
	now := m.clock.Now()
	current, found, err := m.readLocked()
	if err != nil || !found || !current.Valid(now, m.cfg.TTL) {
		m.mu.Unlock()
		return
	}
	if current.OwnerID == m.tabID {
		m.mu.Unlock()
		m.bus.Send(bus.Message{Type: bus.Heartbeat, Leader: m.tabID})
		return
	}
	m.stopTimersLocked()
	m.becomeFollowerLocked(current.OwnerID)
	m.scheduleRetryLocked(current.ExpiresAt(m.cfg.TTL).Sub(now))
	m.mu.Unlock()

	m.logger.Info("stepped down", "leader", current.OwnerID)
	m.notify(false)
}

func (m *Manager) onHeartbeat() {
	m.mu.Lock()
	if m.closed || m.state != Leader {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	current, found, err := m.readLocked()
	if err == nil && found && current.OwnerID != m.tabID && current.Valid(now, m.cfg.TTL) {
		m.becomeFollowerLocked(current.OwnerID)
		m.scheduleRetryLocked(current.ExpiresAt(m.cfg.TTL).Sub(now))
		m.mu.Unlock()

		m.logger.Info("lease taken over, stepping down", "leader", current.OwnerID)
		m.notify(false)
		return
	}
	if err == nil {
		m.writeLocked(Lease{OwnerID: m.tabID, RenewedAt: now.UnixMilli()})
	}
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, m.onHeartbeat)
	m.mu.Unlock()

	m.bus.Send(bus.Message{Type: bus.Heartbeat, Leader: m.tabID})
}

func (m *Manager) onRetry() {
	m.mu.Lock()
	m.retry = nil
	claim := !m.closed && m.state != Leader
	m.mu.Unlock()
	if claim {
		m.Claim()
	}
}

func (m *Manager) becomeLeaderLocked() {
	m.state = Leader
	m.leaderID = m.tabID
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, m.onHeartbeat)
	if m.gauge != nil {
		m.gauge.Set(1)
	}
}

func (m *Manager) becomeFollowerLocked(leader string) {
	m.state = Follower
	m.leaderID = leader
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.gauge != nil {
		m.gauge.Set(0)
	}
}

// scheduleRetryLocked arms the expiry retry. Hidden tabs wait one extra
// heartbeat interval so a visible tab gets the first chance to claim.
func (m *Manager) scheduleRetryLocked(d time.Duration) {
	if m.retry != nil {
		m.retry.Stop()
	}
	if d < 0 {
		d = 0
	}
	if !m.visible {
		d += m.cfg.HeartbeatInterval
	}
	m.retry = m.clock.AfterFunc(d, m.onRetry)
}

func (m *Manager) stopTimersLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) readLocked() (Lease, bool, error) {
	raw, ok, err := m.store.Get(StorageKey)
	if err != nil {
		return Lease{}, false, err
	}
	if !ok || raw == "" {
		return Lease{}, false, nil
	}
	l, err := decode(raw)
	if err != nil {
		// A corrupt lease is treated as absent and overwritten.
		m.logger.Warn("ignoring unreadable lease", "error", err)
		return Lease{}, false, nil
	}
	return l, true, nil
}

func (m *Manager) writeLocked(l Lease) {
	if err := m.store.Set(StorageKey, encode(l)); err != nil {
		m.logger.Warn("lease write failed", "error", err)
	}
}

func (m *Manager) notify(leader bool) {
	m.listenersMu.Lock()
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn(leader)
	}
}
