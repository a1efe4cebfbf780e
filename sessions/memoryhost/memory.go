package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skycastlabs/weathermcp/sessions"
)

// Host is an in-memory implementation of sessions.Host. It is the reference
// implementation used by tests and single-process deployments.
type Host struct {
	mu   sync.RWMutex
	data map[string]*sessionData

	counter atomic.Int64

	// now is swappable for tests.
	now func() time.Time
}

type sessionData struct {
	mu          sync.RWMutex
	meta        sessions.SessionMetadata
	messages    []message
	subscribers map[*subscription]struct{}
}

type message struct {
	id   string
	data []byte
}

type subscription struct {
	nextIdx int
	notify  chan struct{}
	stopCh  chan struct{}
}

func New() *Host {
	return &Host{
		data: make(map[string]*sessionData),
		now:  time.Now,
	}
}

// --- Metadata ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("session metadata requires a session id")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.data[meta.SessionID]; exists {
		return sessions.ErrSessionExists
	}
	h.data[meta.SessionID] = &sessionData{
		meta:        *meta,
		subscribers: make(map[*subscription]struct{}),
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	sd, err := h.liveSession(sessionID)
	if err != nil {
		return nil, err
	}
	sd.mu.RLock()
	meta := sd.meta
	sd.mu.RUnlock()
	return &meta, nil
}

func (h *Host) MutateSession(ctx context.Context, sessionID string, fn func(meta *sessions.SessionMetadata) error) error {
	sd, err := h.liveSession(sessionID)
	if err != nil {
		return err
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	scratch := sd.meta
	if err := fn(&scratch); err != nil {
		return err
	}
	sd.meta = scratch
	return nil
}

func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	sd, err := h.liveSession(sessionID)
	if err != nil {
		return err
	}
	sd.mu.Lock()
	sd.meta.LastAccess = h.now().UTC()
	sd.mu.Unlock()
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	sd, ok := h.data[sessionID]
	if ok {
		delete(h.data, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		// Racing teardowns converge without error.
		return nil
	}

	sd.mu.Lock()
	subs := make([]*subscription, 0, len(sd.subscribers))
	for sub := range sd.subscribers {
		subs = append(subs, sub)
	}
	sd.subscribers = make(map[*subscription]struct{})
	sd.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

// liveSession resolves the session, lazily expiring stale records.
func (h *Host) liveSession(sessionID string) (*sessionData, error) {
	h.mu.RLock()
	sd, ok := h.data[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}

	sd.mu.RLock()
	expired := sd.meta.Expired(h.now().UTC())
	sd.mu.RUnlock()
	if expired {
		_ = h.DeleteSession(context.Background(), sessionID)
		return nil, sessions.ErrSessionNotFound
	}
	return sd, nil
}

// --- Messaging ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	sd, err := h.liveSession(sessionID)
	if err != nil {
		return "", err
	}

	evID := strconv.FormatInt(h.counter.Add(1), 10)
	msg := message{id: evID, data: append([]byte(nil), data...)}

	sd.mu.Lock()
	sd.messages = append(sd.messages, msg)
	subs := make([]*subscription, 0, len(sd.subscribers))
	for sub := range sd.subscribers {
		subs = append(subs, sub)
	}
	sd.mu.Unlock()

	// Wake subscribers; delivery happens on their own goroutines so that
	// per-subscriber ordering is preserved.
	for _, sub := range subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}

	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	sd, err := h.liveSession(sessionID)
	if err != nil {
		return err
	}

	sub := &subscription{
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}

	sd.mu.Lock()
	if lastEventID == "" {
		sub.nextIdx = len(sd.messages)
	} else {
		found := false
		for i := range sd.messages {
			if sd.messages[i].id == lastEventID {
				sub.nextIdx = i + 1
				found = true
				break
			}
		}
		if !found {
			sd.mu.Unlock()
			return fmt.Errorf("last event id %s not found", lastEventID)
		}
	}
	sd.subscribers[sub] = struct{}{}
	sd.mu.Unlock()

	defer func() {
		sd.mu.Lock()
		delete(sd.subscribers, sub)
		sd.mu.Unlock()
	}()

	for {
		// Drain everything that accumulated since the last pass.
		for {
			sd.mu.RLock()
			var next *message
			if sub.nextIdx < len(sd.messages) {
				m := sd.messages[sub.nextIdx]
				next = &m
			}
			sd.mu.RUnlock()
			if next == nil {
				break
			}
			if err := handler(ctx, next.id, next.data); err != nil {
				return err
			}
			sub.nextIdx++
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.stopCh:
			return nil
		case <-sub.notify:
		}
	}
}

func (s *subscription) stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Interface compliance
var _ sessions.Host = (*Host)(nil)
