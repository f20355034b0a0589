// Package lease elects one leader among tabs with a timestamped lease in
// the shared store.
//
// The lease is read and then written without compare-and-swap, so two tabs
// can both win an election. Heartbeats carry the winner's identity and a
// leader that sees another leader's heartbeat re-reads the lease and steps
// down if it lost, so a split brain lasts at most one round trip.
package lease

import (
	"encoding/json"
	"fmt"
	"time"
)

// StorageKey holds the serialized Lease.
const StorageKey = "tabsync:leader"

// State is a tab's position in the election.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Lease is the shared ownership claim.
type Lease struct {
	OwnerID   string `json:"ownerId"`
	RenewedAt int64  `json:"renewedAt"` // Unix milliseconds
}

// Valid reports whether the lease is still held at now.
func (l Lease) Valid(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-l.RenewedAt < ttl.Milliseconds()
}

// ExpiresAt is the first instant at which the lease is no longer valid.
func (l Lease) ExpiresAt(ttl time.Duration) time.Time {
	return time.UnixMilli(l.RenewedAt).Add(ttl)
}

func decode(raw string) (Lease, error) {
	var l Lease
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return Lease{}, fmt.Errorf("decoding lease: %w", err)
	}
	return l, nil
}

func encode(l Lease) string {
	data, _ := json.Marshal(l)
	return string(data)
}

// Config holds lease timing.
type Config struct {
	TTL time.Duration
	// HeartbeatInterval defaults to TTL/1.5.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a 45s lease renewed every 30s.
func DefaultConfig() Config {
	return Config{TTL: 45 * time.Second, HeartbeatInterval: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultConfig().TTL
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.TTL {
		c.HeartbeatInterval = time.Duration(float64(c.TTL) / 1.5)
	}
	return c
}
