// Package idle runs one idle countdown that every tab agrees on.
//
// Each tab tracks its own deadlines. Passive activity in any tab is
// broadcast so idle tabs push their deadlines too. Once a tab is warning,
// only an explicit stay brings it back; the first tab to reach its timeout
// logs out and tells the others.
package idle

import (
	"fmt"
	"time"
)

// Phase is the idle state of one tab.
type Phase int

const (
	Normal Phase = iota
	Warning
	LoggedOut
)

func (p Phase) String() string {
	switch p {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case LoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Config holds the idle windows.
type Config struct {
	// WarningWindow is the idle time before the warning shows.
	WarningWindow time.Duration
	// IdleTimeout is the idle time before logout. It must exceed WarningWindow.
	IdleTimeout time.Duration
	// BroadcastInterval throttles active messages.
	BroadcastInterval time.Duration
}

// DefaultConfig warns after 5 minutes and logs out after 7.
func DefaultConfig() Config {
	return Config{
		WarningWindow:     5 * time.Minute,
		IdleTimeout:       7 * time.Minute,
		BroadcastInterval: time.Second,
	}
}

// Validate checks the windows are usable.
func (c Config) Validate() error {
	if c.WarningWindow <= 0 {
		return fmt.Errorf("warning window must be positive, got %s", c.WarningWindow)
	}
	if c.IdleTimeout <= c.WarningWindow {
		return fmt.Errorf("idle timeout %s must exceed warning window %s", c.IdleTimeout, c.WarningWindow)
	}
	if c.BroadcastInterval < 0 {
		return fmt.Errorf("broadcast interval must not be negative, got %s", c.BroadcastInterval)
	}
	return nil
}

// Snapshot is what the UI layer renders.
type Snapshot struct {
	Phase          Phase
	IsWarning      bool
	SecondsLeft    int
	ShowDialog     bool
	LastActivityAt time.Time
	WarnAt         time.Time
	TimeoutAt      time.Time
}
