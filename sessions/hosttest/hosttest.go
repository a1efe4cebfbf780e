// Package hosttest provides a reusable conformance suite for sessions.Host
// implementations. Both the in-memory and Redis hosts run the same suite.
package hosttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/skycastlabs/weathermcp/sessions"
)

// HostFactory creates a fresh Host instance for a test.
type HostFactory func(t *testing.T) sessions.Host

// Run executes the complete Host conformance suite against the factory.
func Run(t *testing.T, factory HostFactory) {
	t.Run("Metadata_CreateIsInsertIfAbsent", func(t *testing.T) { testCreateInsertIfAbsent(t, factory) })
	t.Run("Metadata_GetUnknownSession", func(t *testing.T) { testGetUnknownSession(t, factory) })
	t.Run("Metadata_MutatePersists", func(t *testing.T) { testMutatePersists(t, factory) })
	t.Run("Metadata_MutateErrorAborts", func(t *testing.T) { testMutateErrorAborts(t, factory) })
	t.Run("Metadata_SlidingTTLExpiry", func(t *testing.T) { testSlidingTTLExpiry(t, factory) })
	t.Run("Metadata_TouchExtendsWindow", func(t *testing.T) { testTouchExtendsWindow(t, factory) })
	t.Run("Metadata_DeleteIsIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })

	t.Run("Messaging_PublishAndSubscribe", func(t *testing.T) { testPublishAndSubscribe(t, factory) })
	t.Run("Messaging_ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStops(t, factory) })
}

func newMeta(sessionID string, ttl time.Duration) *sessions.SessionMetadata {
	now := time.Now().UTC()
	return &sessions.SessionMetadata{
		MetaVersion:     1,
		SessionID:       sessionID,
		ProtocolVersion: "2025-06-18",
		State:           sessions.SessionStateOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastAccess:      now,
		TTL:             ttl,
	}
}

func mustCreate(t *testing.T, h sessions.Host, sessionID string) {
	t.Helper()
	if err := h.CreateSession(context.Background(), newMeta(sessionID, time.Minute)); err != nil {
		t.Fatalf("CreateSession(%s): %v", sessionID, err)
	}
}

// --- Metadata tests ---

func testCreateInsertIfAbsent(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	mustCreate(t, h, "sess-create")
	err := h.CreateSession(ctx, newMeta("sess-create", time.Minute))
	if !errors.Is(err, sessions.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists on duplicate create, got %v", err)
	}
}

func testGetUnknownSession(t *testing.T, factory HostFactory) {
	h := factory(t)

	_, err := h.GetSession(context.Background(), "sess-missing")
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testMutatePersists(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	mustCreate(t, h, "sess-mutate")

	err := h.MutateSession(ctx, "sess-mutate", func(meta *sessions.SessionMetadata) error {
		meta.State = sessions.SessionStateClosed
		meta.Client = sessions.ClientInfo{Name: "test-client", Version: "0.1.0"}
		return nil
	})
	if err != nil {
		t.Fatalf("MutateSession: %v", err)
	}

	meta, err := h.GetSession(ctx, "sess-mutate")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if meta.State != sessions.SessionStateClosed {
		t.Fatalf("expected closed state, got %q", meta.State)
	}
	if meta.Client.Name != "test-client" {
		t.Fatalf("client info not persisted: %+v", meta.Client)
	}
}

func testMutateErrorAborts(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	mustCreate(t, h, "sess-abort")

	boom := errors.New("boom")
	err := h.MutateSession(ctx, "sess-abort", func(meta *sessions.SessionMetadata) error {
		meta.State = sessions.SessionStateClosed
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}

	meta, err := h.GetSession(ctx, "sess-abort")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if meta.State != sessions.SessionStateOpen {
		t.Fatalf("mutation should have been aborted, state = %q", meta.State)
	}
}

func testSlidingTTLExpiry(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	meta := newMeta("sess-expire", 50*time.Millisecond)
	if err := h.CreateSession(ctx, meta); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	time.Sleep(120 * time.Millisecond)

	_, err := h.GetSession(ctx, "sess-expire")
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected expired session to be gone, got %v", err)
	}
}

func testTouchExtendsWindow(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	meta := newMeta("sess-touch", 150*time.Millisecond)
	if err := h.CreateSession(ctx, meta); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Keep touching past the original window.
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		if err := h.TouchSession(ctx, "sess-touch"); err != nil {
			t.Fatalf("TouchSession: %v", err)
		}
	}

	if _, err := h.GetSession(ctx, "sess-touch"); err != nil {
		t.Fatalf("touched session should still be live: %v", err)
	}
}

func testDeleteIdempotent(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()
	mustCreate(t, h, "sess-del")

	if err := h.DeleteSession(ctx, "sess-del"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := h.GetSession(ctx, "sess-del"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
	// Second delete converges without error.
	if err := h.DeleteSession(ctx, "sess-del"); err != nil {
		t.Fatalf("repeat DeleteSession: %v", err)
	}
	if err := h.DeleteSession(ctx, "sess-never-existed"); err != nil {
		t.Fatalf("DeleteSession of unknown session: %v", err)
	}
}

// --- Messaging tests ---

func testPublishAndSubscribe(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mustCreate(t, h, "sess-pub")

	var mu sync.Mutex
	var got []string

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(subCtx, "sess-pub", "", func(ctx context.Context, msgID string, msg []byte) error {
			mu.Lock()
			got = append(got, string(msg))
			n := len(got)
			mu.Unlock()
			if n == 3 {
				subCancel()
			}
			return nil
		})
	}()

	// Give the subscriber a moment to attach; "" means future messages only.
	time.Sleep(100 * time.Millisecond)

	for i := 1; i <= 3; i++ {
		evID, err := h.PublishSession(ctx, "sess-pub", []byte(fmt.Sprintf("msg-%d", i)))
		if err != nil {
			t.Fatalf("PublishSession: %v", err)
		}
		if evID == "" {
			t.Fatal("expected non-empty event id")
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for subscription to finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d (%v)", len(got), got)
	}
	for i, want := range []string{"msg-1", "msg-2", "msg-3"} {
		if got[i] != want {
			t.Fatalf("message %d: want %q, got %q (order violated)", i, want, got[i])
		}
	}
}

func testResumeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mustCreate(t, h, "sess-resume")

	var ids []string
	for i := 1; i <= 3; i++ {
		id, err := h.PublishSession(ctx, "sess-resume", []byte(fmt.Sprintf("msg-%d", i)))
		if err != nil {
			t.Fatalf("PublishSession: %v", err)
		}
		ids = append(ids, id)
	}

	var mu sync.Mutex
	var got []string

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(subCtx, "sess-resume", ids[0], func(ctx context.Context, msgID string, msg []byte) error {
			mu.Lock()
			got = append(got, string(msg))
			n := len(got)
			mu.Unlock()
			if n == 2 {
				subCancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for resumed subscription")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "msg-2" || got[1] != "msg-3" {
		t.Fatalf("expected replay after event %s to be [msg-2 msg-3], got %v", ids[0], got)
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mustCreate(t, h, "sess-a")
	mustCreate(t, h, "sess-b")

	var mu sync.Mutex
	var got []string

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(subCtx, "sess-a", "", func(ctx context.Context, msgID string, msg []byte) error {
			mu.Lock()
			got = append(got, string(msg))
			mu.Unlock()
			subCancel()
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)

	if _, err := h.PublishSession(ctx, "sess-b", []byte("for-b")); err != nil {
		t.Fatalf("PublishSession(sess-b): %v", err)
	}
	if _, err := h.PublishSession(ctx, "sess-a", []byte("for-a")); err != nil {
		t.Fatalf("PublishSession(sess-a): %v", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for subscription")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "for-a" {
		t.Fatalf("subscriber leaked messages across sessions: %v", got)
	}
}

func testSubscriptionCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)

	mustCreate(t, h, "sess-cancel")

	subCtx, subCancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(subCtx, "sess-cancel", "", func(ctx context.Context, msgID string, msg []byte) error {
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	subCancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not terminate on cancellation")
	}
}

func testHandlerErrorStops(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mustCreate(t, h, "sess-handler-err")

	boom := errors.New("handler failure")
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-handler-err", "", func(ctx context.Context, msgID string, msg []byte) error {
			return boom
		})
	}()

	time.Sleep(100 * time.Millisecond)

	if _, err := h.PublishSession(ctx, "sess-handler-err", []byte("poison")); err != nil {
		t.Fatalf("PublishSession: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected handler error to propagate, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("subscription did not stop on handler error")
	}
}
