package sessions

import "time"

// SessionState tracks the one-way lifecycle of a session. A session is
// created pending, becomes open when the client confirms initialization, and
// ends closed. There are no backward transitions; a closed session cannot be
// reopened under the same identifier.
type SessionState string

const (
	// SessionStatePending means the session record exists but the client has
	// not yet sent notifications/initialized. Pending sessions carry a short
	// handshake TTL.
	SessionStatePending SessionState = "pending"
	// SessionStateOpen means the handshake completed and the session accepts
	// operational requests.
	SessionStateOpen SessionState = "open"
	// SessionStateClosed is terminal.
	SessionStateClosed SessionState = "closed"
)

// SessionMetadata is the authoritative persisted representation of a session.
// Timestamps are wall-clock times in UTC. TTL is a sliding window: the host
// SHOULD treat a session as expired if LastAccess + TTL < now. If MaxLifetime
// > 0, the host MUST also expire the session once CreatedAt + MaxLifetime <
// now regardless of activity.
type SessionMetadata struct {
	MetaVersion     int          `json:"meta_version"` // for forward migration; starts at 1
	SessionID       string       `json:"session_id"`   // immutable
	ProtocolVersion string       `json:"protocol_version,omitempty"`
	Client          ClientInfo   `json:"client,omitempty"`
	State           SessionState `json:"state"`

	CreatedAt   time.Time     `json:"created_at"`
	OpenedAt    time.Time     `json:"opened_at,omitzero"`
	UpdatedAt   time.Time     `json:"updated_at"`
	LastAccess  time.Time     `json:"last_access"`
	TTL         time.Duration `json:"ttl"`
	MaxLifetime time.Duration `json:"max_lifetime,omitempty"`
}

// Expired reports whether the metadata should be treated as dead at the
// given instant under the sliding-TTL and max-lifetime rules.
func (m *SessionMetadata) Expired(now time.Time) bool {
	if m == nil {
		return true
	}
	if m.TTL > 0 && m.LastAccess.Add(m.TTL).Before(now) {
		return true
	}
	if m.MaxLifetime > 0 && m.CreatedAt.Add(m.MaxLifetime).Before(now) {
		return true
	}
	return false
}
