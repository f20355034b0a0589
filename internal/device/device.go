// Package device resolves the durable per-profile device identity.
package device

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ganot/tabsync/internal/clock"
	"github.com/ganot/tabsync/internal/kv"
)

// StorageKey holds the persisted device id.
const StorageKey = "deviceId"

// Type classifies the device a tab runs on.
type Type string

const (
	Mobile  Type = "Mobile"
	Tablet  Type = "Tablet"
	Desktop Type = "Desktop"
)

// Environment describes the tab's host as far as classification needs.
type Environment struct {
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
}

// Meta is the device description attached to session records.
type Meta struct {
	Type           Type   `json:"type"`
	UserAgent      string `json:"userAgent,omitempty"`
	ViewportWidth  int    `json:"viewportWidth,omitempty"`
	ViewportHeight int    `json:"viewportHeight,omitempty"`
}

// Resolver produces a stable device id backed by the shared store.
type Resolver struct {
	store  kv.Store
	env    Environment
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	ephemeral string
}

// NewResolver creates a resolver over store.
func NewResolver(store kv.Store, env Environment, clk clock.Clock, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, env: env, clock: clk, logger: logger}
}

// DeviceID returns the persisted id, creating it on first use. When the
// store cannot be used the id lives in memory for the resolver's lifetime.
func (r *Resolver) DeviceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ephemeral != "" {
		return r.ephemeral
	}

	id, ok, err := r.store.Get(StorageKey)
	if err == nil && ok && id != "" {
		return id
	}

	id = r.newID()
	if err == nil {
		err = r.store.Set(StorageKey, id)
	}
	if err != nil {
		r.logger.Warn("device id not persisted, using ephemeral id", "error", err)
		r.ephemeral = id
	}
	return id
}

func (r *Resolver) newID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", r.DeviceType(), r.clock.Now().UnixMilli(), suffix)
}

// DeviceType classifies the environment.
func (r *Resolver) DeviceType() Type {
	return Classify(r.env)
}

// Meta describes the device for session records.
func (r *Resolver) Meta() Meta {
	return Meta{
		Type:           r.DeviceType(),
		UserAgent:      r.env.UserAgent,
		ViewportWidth:  r.env.ViewportWidth,
		ViewportHeight: r.env.ViewportHeight,
	}
}

var (
	tabletMarkers  = []string{"ipad", "tablet", "kindle", "silk", "playbook"}
	mobileMarkers  = []string{"mobi", "iphone", "ipod", "windows phone", "blackberry", "opera mini"}
	desktopMarkers = []string{"windows nt", "macintosh", "x11", "cros", "linux x86_64"}
)

// Classify uses user-agent markers first and falls back to the viewport
// width when the agent names no known platform.
func Classify(env Environment) Type {
	ua := strings.ToLower(env.UserAgent)

	switch {
	case containsAny(ua, tabletMarkers):
		return Tablet
	case strings.Contains(ua, "android"):
		if strings.Contains(ua, "mobi") {
			return Mobile
		}
		return Tablet
	case containsAny(ua, mobileMarkers):
		return Mobile
	case containsAny(ua, desktopMarkers):
		return Desktop
	}

	switch {
	case env.ViewportWidth <= 0:
		return Desktop
	case env.ViewportWidth < 768:
		return Mobile
	case env.ViewportWidth < 1024:
		return Tablet
	default:
		return Desktop
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
