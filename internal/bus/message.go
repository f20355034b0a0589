// Package bus is the best-effort broadcast channel between tabs.
//
// Delivery reaches every other live tab at least once when the transport
// works, never the sender, in no particular order across tabs. Failures
// are logged and otherwise ignored.
package bus

// Type tags a Message.
type Type string

const (
	WhoIsLeader Type = "who-is-leader"
	LeaderIs    Type = "leader-is"
	Heartbeat   Type = "heartbeat"
	Release     Type = "release"
	Active      Type = "active"
	Stay        Type = "stay"
	Timeout     Type = "timeout"
	Logout      Type = "logout"
)

// OriginUser marks messages caused by an explicit user action, as opposed
// to passive input.
const OriginUser = "user"

// Message is a small typed record broadcast to other tabs.
type Message struct {
	Type   Type   `json:"type"`
	From   string `json:"from"`
	Leader string `json:"leader,omitempty"`
	At     int64  `json:"at,omitempty"` // Unix milliseconds
	Origin string `json:"origin,omitempty"`
}
