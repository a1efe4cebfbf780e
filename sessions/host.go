package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound indicates the session identifier does not name a
	// live session known to the host.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates an attempt to create a session under an
	// identifier that is already bound.
	ErrSessionExists = errors.New("session already exists")
)

// Host is the storage and messaging contract backing the session registry.
// It combines metadata CRUD with a per-session ordered message stream and
// works across in-memory and distributed implementations. All methods MUST
// be safe for concurrent use.
type Host interface {
	// CreateSession atomically binds meta.SessionID to the given metadata.
	// The bind is insert-if-absent: a concurrent create under the same
	// identifier yields exactly one winner and ErrSessionExists for the rest.
	CreateSession(ctx context.Context, meta *SessionMetadata) error

	// GetSession returns a copy of the stored metadata. Expired or unknown
	// sessions yield ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*SessionMetadata, error)

	// MutateSession applies fn to the stored metadata under the host's
	// concurrency control and persists the result. fn runs at most once;
	// returning an error aborts the mutation.
	MutateSession(ctx context.Context, sessionID string, fn func(meta *SessionMetadata) error) error

	// TouchSession refreshes the sliding TTL window. Best-effort; callers
	// may ignore the error.
	TouchSession(ctx context.Context, sessionID string) error

	// DeleteSession removes the session binding and tears down its message
	// stream. Deleting an unknown session is a no-op so that racing
	// teardowns converge without error.
	DeleteSession(ctx context.Context, sessionID string) error

	// PublishSession appends data to the session's ordered message stream
	// and returns the assigned event ID.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)

	// SubscribeSession delivers the session's ordered messages to handler,
	// starting after lastEventID (or from the next message when empty),
	// until ctx is cancelled or the session is deleted.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error
}
