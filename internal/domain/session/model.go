package session

import (
	"time"

	"github.com/ganot/tabsync/internal/device"
)

// User is the signed-in identity sessions are recorded for.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Record is one leadership episode's activity, owned by the leader tab.
// DurationSeconds never decreases while Active, Active never returns to
// true once false, and Start never changes after creation.
type Record struct {
	ID              string      `json:"id"`
	DeviceID        string      `json:"deviceId"`
	UserID          string      `json:"userId"`
	Start           time.Time   `json:"start"`
	LastUpdated     time.Time   `json:"lastUpdated"`
	DurationSeconds int64       `json:"durationSeconds"`
	Active          bool        `json:"active"`
	DeviceMeta      device.Meta `json:"deviceMeta"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	LastUpdated     *time.Time
	DurationSeconds *int64
	Active          *bool
}

// Filter selects records in Query. Zero fields match everything.
type Filter struct {
	ID            string
	UserID        string
	Active        *bool
	UpdatedBefore time.Time
	Limit         int
}

// Summary aggregates a user's recorded sessions.
type Summary struct {
	UserID         string `json:"userId"`
	Sessions       int    `json:"sessions"`
	ActiveSessions int    `json:"activeSessions"`
	TotalSeconds   int64  `json:"totalSeconds"`
}
