package mcpservice

import (
	"context"
	"sync"
)

// ChangeNotifier provides a simple in-process pub-sub for change events. It is
// used by the tools container to signal that the tool list changed so that
// listChanged notifications can be sent to clients.
type ChangeNotifier struct {
	subscribers   []chan struct{}
	subscribersMu sync.RWMutex
	closed        bool
}

// Notify signals all registered listeners that the underlying set changed.
// The error return exists only for future expansion; callers may safely
// ignore it.
func (cn *ChangeNotifier) Notify(ctx context.Context) error {
	cn.subscribersMu.RLock()
	defer cn.subscribersMu.RUnlock()

	if cn.closed {
		return nil
	}

	// Best-effort fan-out: non-blocking send to each subscriber to avoid
	// head-of-line blocking on slow consumers.
	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// drop if subscriber is backed up; a change signal is not a queue
		}
	}
	return nil
}

// Close terminates all subscriber channels. Further Notify calls are no-ops.
func (cn *ChangeNotifier) Close() {
	cn.subscribersMu.Lock()
	if cn.closed {
		cn.subscribersMu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subscribers
	cn.subscribers = nil
	cn.subscribersMu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// ChangeSubscriber hands out per-listener signal channels. Listeners release
// their channel with Unsubscribe when they stop consuming it.
type ChangeSubscriber interface {
	Subscriber() <-chan struct{}
	Unsubscribe(ch <-chan struct{})
}

// Subscriber returns a channel that receives a signal whenever Notify is
// called. The channel is buffered with capacity 1; coalesced signals mean
// "something changed", not "N changes happened".
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.subscribersMu.Lock()
	defer cn.subscribersMu.Unlock()

	if cn.closed {
		// Closed channel signals no further notifications.
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	ch := make(chan struct{}, 1)
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}

// Unsubscribe removes a channel previously returned by Subscriber and closes
// it. Unknown or already-released channels are ignored, so callers can defer
// it unconditionally.
func (cn *ChangeNotifier) Unsubscribe(ch <-chan struct{}) {
	cn.subscribersMu.Lock()
	defer cn.subscribersMu.Unlock()

	for i, sub := range cn.subscribers {
		if (<-chan struct{})(sub) == ch {
			cn.subscribers = append(cn.subscribers[:i], cn.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}
