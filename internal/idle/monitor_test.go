package idle_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ganot/tabsync/internal/bus"
	"github.com/ganot/tabsync/internal/clock"
	"github.com/ganot/tabsync/internal/idle"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type tab struct {
	monitor *idle.Monitor
	logouts int
	local   []bool
}

func openTab(hub *bus.Hub, clk clock.Clock, id string, cfg idle.Config, owner func() bool) *tab {
	t := &tab{}
	b := bus.New(id, hub.Open(), nil)
	t.monitor = idle.NewMonitor(b, clk, cfg, owner, func(local bool) {
		t.logouts++
		t.local = append(t.local, local)
	}, nil)
	t.monitor.Start()
	return t
}

func shortConfig() idle.Config {
	return idle.Config{WarningWindow: 5 * time.Second, IdleTimeout: 7 * time.Second, BroadcastInterval: time.Second}
}

func TestEndToEndCountdown(t *testing.T) {
	clk := clock.Fake(epoch)
	a := openTab(bus.NewHub(), clk, "a", idle.DefaultConfig(), nil)

	var countdown []int
	a.monitor.OnUpdate(func(s idle.Snapshot) {
		if s.Phase != idle.Normal {
			countdown = append(countdown, s.SecondsLeft)
		}
	})

	clk.Advance(300*time.Second - time.Millisecond)
	require.False(t, a.monitor.Snapshot().IsWarning)

	clk.Advance(time.Millisecond)
	snap := a.monitor.Snapshot()
	require.True(t, snap.IsWarning)
	require.Equal(t, 120, snap.SecondsLeft)
	require.True(t, snap.ShowDialog)

	clk.Advance(120*time.Second - time.Millisecond)
	require.Equal(t, 0, a.logouts)
	require.Equal(t, 1, a.monitor.Snapshot().SecondsLeft)

	clk.Advance(time.Millisecond)
	require.Equal(t, 1, a.logouts)
	require.Equal(t, idle.LoggedOut, a.monitor.Snapshot().Phase)

	clk.Advance(time.Hour)
	require.Equal(t, 1, a.logouts)

	want := make([]int, 0, 121)
	for s := 120; s >= 0; s-- {
		want = append(want, s)
	}
	require.Equal(t, want, countdown)
}

func TestActivityInAnotherTabKeepsIdleTabNormal(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := bus.NewHub()
	a := openTab(hub, clk, "a", shortConfig(), nil)
	b := openTab(hub, clk, "b", shortConfig(), nil)

	for i := 0; i < 30; i++ {
		clk.Advance(2 * time.Second)
		b.monitor.Activity()
		require.Equal(t, idle.Normal, a.monitor.Snapshot().Phase, "tick %d", i)
	}
	require.Equal(t, 0, a.logouts)
}

func TestWarningIsSticky(t *testing.T) {
	clk := clock.Fake(epoch)
	a := openTab(bus.NewHub(), clk, "a", shortConfig(), nil)

	clk.Advance(5 * time.Second)
	require.True(t, a.monitor.Snapshot().IsWarning)

	for i := 0; i < 5; i++ {
		a.monitor.Activity()
		clk.Advance(100 * time.Millisecond)
	}
	require.Equal(t, idle.Warning, a.monitor.Snapshot().Phase)

	a.monitor.Stay()
	snap := a.monitor.Snapshot()
	require.Equal(t, idle.Normal, snap.Phase)
	require.Equal(t, clk.Now(), snap.LastActivityAt)
}

func TestStayPropagates(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := bus.NewHub()
	a := openTab(hub, clk, "a", shortConfig(), nil)
	b := openTab(hub, clk, "b", shortConfig(), nil)

	clk.Advance(6 * time.Second)
	require.True(t, a.monitor.Snapshot().IsWarning)
	require.True(t, b.monitor.Snapshot().IsWarning)

	a.monitor.Stay()
	require.Equal(t, idle.Normal, b.monitor.Snapshot().Phase)

	clk.Advance(4 * time.Second)
	require.Equal(t, idle.Normal, b.monitor.Snapshot().Phase)
}

func TestTimeoutPropagatesOnce(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := bus.NewHub()
	a := openTab(hub, clk, "a", shortConfig(), nil)
	clk.Advance(time.Second)
	b := openTab(hub, clk, "b", shortConfig(), nil)

	clk.Advance(6 * time.Second)
	require.Equal(t, 1, a.logouts)
	require.Equal(t, 1, b.logouts)
	require.Equal(t, []bool{true}, a.local)
	require.Equal(t, []bool{false}, b.local)
	require.Equal(t, idle.LoggedOut, b.monitor.Snapshot().Phase)

	clk.Advance(time.Minute)
	require.Equal(t, 1, a.logouts)
	require.Equal(t, 1, b.logouts)

	b.monitor.Stay()
	require.Equal(t, idle.LoggedOut, b.monitor.Snapshot().Phase)

	b.monitor.Reset()
	require.Equal(t, idle.Normal, b.monitor.Snapshot().Phase)
	clk.Advance(7 * time.Second)
	require.Equal(t, 2, b.logouts)
	require.Equal(t, []bool{false, true}, b.local)
}

func TestOnlyDisplayOwnerShowsDialog(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := bus.NewHub()
	owner := openTab(hub, clk, "a", shortConfig(), func() bool { return true })
	other := openTab(hub, clk, "b", shortConfig(), func() bool { return false })

	clk.Advance(5 * time.Second)
	require.True(t, owner.monitor.Snapshot().ShowDialog)
	require.True(t, other.monitor.Snapshot().IsWarning)
	require.False(t, other.monitor.Snapshot().ShowDialog)
}

func TestPeerActivityDuringWarning(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := bus.NewHub()
	a := openTab(hub, clk, "a", shortConfig(), nil)
	peer := bus.New("peer", hub.Open(), nil)

	clk.Advance(5500 * time.Millisecond)
	require.True(t, a.monitor.Snapshot().IsWarning)

	// Activity from before the warning was delayed in transit.
	peer.Send(bus.Message{Type: bus.Active, At: epoch.Add(4 * time.Second).UnixMilli()})
	require.Equal(t, idle.Normal, a.monitor.Snapshot().Phase)

	clk.Advance(3500 * time.Millisecond)
	require.True(t, a.monitor.Snapshot().IsWarning)

	peer.Send(bus.Message{Type: bus.Active, At: clk.Now().Add(500 * time.Millisecond).UnixMilli()})
	require.True(t, a.monitor.Snapshot().IsWarning)
}

func TestActivityBroadcastIsThrottled(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := bus.NewHub()
	a := openTab(hub, clk, "a", shortConfig(), nil)
	observer := bus.New("observer", hub.Open(), nil)

	var got []bus.Message
	observer.Handle(func(m bus.Message) { got = append(got, m) })

	a.monitor.Activity()
	clk.Advance(200 * time.Millisecond)
	a.monitor.Activity()
	clk.Advance(300 * time.Millisecond)
	a.monitor.Activity()
	require.Len(t, got, 1)

	clk.Advance(500 * time.Millisecond)
	require.Len(t, got, 2)
	require.Equal(t, bus.Active, got[1].Type)
	require.Equal(t, epoch.Add(500*time.Millisecond).UnixMilli(), got[1].At)
}

func TestTrailingActivitySurvivesRestart(t *testing.T) {
	clk := clock.Fake(epoch)
	hub := bus.NewHub()
	a := openTab(hub, clk, "a", shortConfig(), nil)
	observer := bus.New("observer", hub.Open(), nil)

	var got []bus.Message
	observer.Handle(func(m bus.Message) { got = append(got, m) })

	a.monitor.Activity()
	clk.Advance(100 * time.Millisecond)
	a.monitor.Activity()
	a.monitor.Stop()
	a.monitor.Start()
	require.Len(t, got, 1)

	clk.Advance(100 * time.Millisecond)
	a.monitor.Activity()
	clk.Advance(100 * time.Millisecond)
	a.monitor.Activity()
	require.Len(t, got, 1)

	clk.Advance(800 * time.Millisecond)
	require.Len(t, got, 2)
	require.Equal(t, bus.Active, got[1].Type)
	require.Equal(t, epoch.Add(300*time.Millisecond).UnixMilli(), got[1].At)
}

func TestStopCancelsTimers(t *testing.T) {
	clk := clock.Fake(epoch)
	a := openTab(bus.NewHub(), clk, "a", shortConfig(), nil)

	a.monitor.Stop()
	require.Equal(t, 0, clk.PendingCount())
	clk.Advance(time.Minute)
	require.Equal(t, 0, a.logouts)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, idle.DefaultConfig().Validate())
	require.Error(t, idle.Config{WarningWindow: 5 * time.Minute, IdleTimeout: 5 * time.Minute}.Validate())
	require.Error(t, idle.Config{IdleTimeout: time.Minute}.Validate())
}
