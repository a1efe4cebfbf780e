package engine

import (
	"github.com/skycastlabs/weathermcp/sessions"
)

var _ sessions.Session = (*SessionHandle)(nil)

// SessionHandle is the engine's per-request view of a session. It is a
// snapshot of the persisted metadata at load time; the host record remains
// the source of truth.
type SessionHandle struct {
	sessionID       string
	protocolVersion string
	state           sessions.SessionState
}

func NewSessionHandle(meta *sessions.SessionMetadata) *SessionHandle {
	return &SessionHandle{
		sessionID:       meta.SessionID,
		protocolVersion: meta.ProtocolVersion,
		state:           meta.State,
	}
}

func (s *SessionHandle) SessionID() string {
	return s.sessionID
}

func (s *SessionHandle) ProtocolVersion() string {
	return s.protocolVersion
}

func (s *SessionHandle) State() sessions.SessionState {
	return s.state
}
