package idle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ganot/tabsync/internal/bus"
	"github.com/ganot/tabsync/internal/clock"
)

// Monitor is one tab's idle state machine.
type Monitor struct {
	bus    *bus.Bus
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger

	displayOwner func() bool
	onLogout     func(local bool)

	mu            sync.Mutex
	running       bool
	phase         Phase
	last          time.Time
	secondsLeft   int
	timer         *clock.Timer
	throttle      *clock.Timer
	lastBroadcast time.Time
	loggedOut     bool
	cancelBus     func()

	updatesMu sync.Mutex
	nextID    int
	updates   map[int]func(Snapshot)
}

// NewMonitor creates a stopped monitor. displayOwner decides whether this
// tab renders the warning dialog; onLogout runs once per logout and is told
// whether this tab's own countdown expired or a peer announced the timeout.
func NewMonitor(b *bus.Bus, clk clock.Clock, cfg Config, displayOwner func() bool, onLogout func(local bool), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if displayOwner == nil {
		displayOwner = func() bool { return true }
	}
	if onLogout == nil {
		onLogout = func(bool) {}
	}
	return &Monitor{
		bus:          b,
		clock:        clk,
		cfg:          cfg,
		logger:       logger.With("tab_id", b.TabID()),
		displayOwner: displayOwner,
		onLogout:     onLogout,
		updates:      make(map[int]func(Snapshot)),
	}
}

// Start arms the deadlines from now and listens to peers.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	cancel := m.bus.Handle(m.handle)

	m.mu.Lock()
	m.cancelBus = cancel
	m.resetLocked(m.clock.Now())
	m.mu.Unlock()
	m.publish()
}

// Stop cancels every timer and stops listening.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	m.stopTimersLocked()
	m.stopThrottleLocked()
	cancel := m.cancelBus
	m.cancelBus = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Reset returns to Normal with fresh deadlines, for example after a new
// sign-in following a logout.
func (m *Monitor) Reset() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.resetLocked(m.clock.Now())
	m.mu.Unlock()
	m.publish()
}

// OnUpdate registers fn for phase changes and countdown ticks.
func (m *Monitor) OnUpdate(fn func(Snapshot)) (cancel func()) {
	m.updatesMu.Lock()
	id := m.nextID
	m.nextID++
	m.updates[id] = fn
	m.updatesMu.Unlock()
	return func() {
		m.updatesMu.Lock()
		delete(m.updates, id)
		m.updatesMu.Unlock()
	}
}

// Snapshot returns the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		Phase:          m.phase,
		IsWarning:      m.phase == Warning,
		SecondsLeft:    m.secondsLeft,
		LastActivityAt: m.last,
		WarnAt:         m.warnAtLocked(),
		TimeoutAt:      m.timeoutAtLocked(),
	}
	m.mu.Unlock()
	s.ShowDialog = s.IsWarning && m.displayOwner()
	return s
}

// Activity records passive input in this tab. It is ignored while warning.
func (m *Monitor) Activity() {
	m.mu.Lock()
	if !m.running || m.phase != Normal {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.last = now
	m.armWarningLocked(now)
	send := m.broadcastLocked(now)
	m.mu.Unlock()

	if send {
		m.bus.Send(bus.Message{Type: bus.Active, At: now.UnixMilli()})
	}
}

// Stay is the explicit acknowledgement that dismisses the warning.
func (m *Monitor) Stay() {
	m.mu.Lock()
	if !m.running || m.phase == LoggedOut {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.resetLocked(now)
	m.mu.Unlock()

	m.logger.Debug("idle warning dismissed")
	m.bus.Send(bus.Message{Type: bus.Stay, At: now.UnixMilli(), Origin: bus.OriginUser})
	m.publish()
}

func (m *Monitor) handle(msg bus.Message) {
	switch msg.Type {
	case bus.Active:
		m.peerActivity(time.UnixMilli(msg.At))
	case bus.Stay:
		m.peerStay(time.UnixMilli(msg.At))
	case bus.Timeout:
		m.logout(false)
	}
}

func (m *Monitor) peerActivity(at time.Time) {
	m.mu.Lock()
	if !m.running || !at.After(m.last) {
		m.mu.Unlock()
		return
	}
	switch m.phase {
	case Normal:
		m.last = at
		m.armWarningLocked(m.clock.Now())
		m.mu.Unlock()
		return
	case Warning:
		// Only activity that predates our warning counts: it means this
		// tab warned on stale knowledge.
		if !at.Before(m.warnAtLocked()) {
			m.mu.Unlock()
			return
		}
		m.last = at
		now := m.clock.Now()
		if now.Before(m.warnAtLocked()) {
			m.phase = Normal
			m.secondsLeft = 0
			m.armWarningLocked(now)
		} else {
			m.tickLocked(now)
		}
		m.mu.Unlock()
		m.publish()
	default:
		m.mu.Unlock()
	}
}

func (m *Monitor) peerStay(at time.Time) {
	m.mu.Lock()
	if !m.running || m.phase == LoggedOut {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	if at.After(now) || at.IsZero() {
		at = now
	}
	if at.Before(m.last) {
		at = m.last
	}
	m.resetLocked(at)
	m.mu.Unlock()
	m.publish()
}

func (m *Monitor) resetLocked(at time.Time) {
	m.phase = Normal
	m.loggedOut = false
	m.secondsLeft = 0
	m.last = at
	m.armWarningLocked(m.clock.Now())
}

func (m *Monitor) armWarningLocked(now time.Time) {
	m.stopTimersLocked()
	m.timer = m.clock.AfterFunc(m.warnAtLocked().Sub(now), m.onWarn)
}

func (m *Monitor) onWarn() {
	m.mu.Lock()
	if !m.running || m.phase != Normal {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	if now.Before(m.warnAtLocked()) {
		m.armWarningLocked(now)
		m.mu.Unlock()
		return
	}
	m.phase = Warning
	m.tickLocked(now)
	loggedOut := m.phase == LoggedOut
	m.mu.Unlock()

	if loggedOut {
		m.finishLogout(true)
		return
	}
	m.logger.Info("idle warning", "seconds_left", m.Snapshot().SecondsLeft)
	m.publish()
}

func (m *Monitor) onTick() {
	m.mu.Lock()
	if !m.running || m.phase != Warning {
		m.mu.Unlock()
		return
	}
	m.tickLocked(m.clock.Now())
	loggedOut := m.phase == LoggedOut
	m.mu.Unlock()

	if loggedOut {
		m.finishLogout(true)
		return
	}
	m.publish()
}

// tickLocked updates the countdown and schedules the next tick, or moves
// to LoggedOut when the timeout has passed.
func (m *Monitor) tickLocked(now time.Time) {
	remaining := m.timeoutAtLocked().Sub(now)
	if remaining <= 0 {
		m.stopTimersLocked()
		m.secondsLeft = 0
		m.phase = LoggedOut
		return
	}
	m.secondsLeft = int((remaining + time.Second - 1) / time.Second)
	next := time.Second
	if remaining < next {
		next = remaining
	}
	m.stopTimersLocked()
	m.timer = m.clock.AfterFunc(next, m.onTick)
}

// logout handles a timeout announced by another tab.
func (m *Monitor) logout(local bool) {
	m.mu.Lock()
	if !m.running || m.phase == LoggedOut {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.phase = LoggedOut
	m.secondsLeft = 0
	m.mu.Unlock()
	m.finishLogout(local)
}

func (m *Monitor) finishLogout(local bool) {
	m.mu.Lock()
	if m.loggedOut {
		m.mu.Unlock()
		return
	}
	m.loggedOut = true
	m.mu.Unlock()

	m.logger.Info("idle timeout", "local", local)
	if local {
		m.bus.Send(bus.Message{Type: bus.Timeout, At: m.clock.Now().UnixMilli()})
	}
	m.publish()
	m.onLogout(local)
}

// broadcastLocked reports whether an active message may go out now. When
// throttled it schedules one trailing message carrying the latest activity;
// a trailing message is pending exactly while m.throttle is set.
func (m *Monitor) broadcastLocked(now time.Time) bool {
	if m.lastBroadcast.IsZero() || now.Sub(m.lastBroadcast) >= m.cfg.BroadcastInterval {
		m.lastBroadcast = now
		return true
	}
	if m.throttle != nil {
		return false
	}
	m.throttle = m.clock.AfterFunc(m.lastBroadcast.Add(m.cfg.BroadcastInterval).Sub(now), m.flushActivity)
	return false
}

func (m *Monitor) flushActivity() {
	m.mu.Lock()
	m.throttle = nil
	if !m.running || m.phase != Normal {
		m.mu.Unlock()
		return
	}
	m.lastBroadcast = m.clock.Now()
	at := m.last
	m.mu.Unlock()

	m.bus.Send(bus.Message{Type: bus.Active, At: at.UnixMilli()})
}

func (m *Monitor) stopTimersLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) stopThrottleLocked() {
	if m.throttle != nil {
		m.throttle.Stop()
		m.throttle = nil
	}
}

func (m *Monitor) warnAtLocked() time.Time {
	return m.last.Add(m.cfg.WarningWindow)
}

func (m *Monitor) timeoutAtLocked() time.Time {
	return m.last.Add(m.cfg.IdleTimeout)
}

func (m *Monitor) publish() {
	snap := m.Snapshot()

	m.updatesMu.Lock()
	fns := make([]func(Snapshot), 0, len(m.updates))
	for _, fn := range m.updates {
		fns = append(fns, fn)
	}
	m.updatesMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
