package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/skycastlabs/weathermcp/internal/engine"
	"github.com/skycastlabs/weathermcp/internal/jsonrpc"
	"github.com/skycastlabs/weathermcp/mcp"
	"github.com/skycastlabs/weathermcp/mcpservice"
	"github.com/skycastlabs/weathermcp/sessions"
	"github.com/skycastlabs/weathermcp/sessions/memoryhost"
)

type echoArgs struct {
	Message string `json:"message"`
}

func echoTool() mcpservice.StaticTool {
	return mcpservice.NewTool("echo", func(ctx context.Context, _ sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[echoArgs]) error {
		return w.AppendText(r.Args().Message)
	})
}

// blockingTool parks until its context is cancelled, signalling entry on
// started so the test can race a cancellation against it.
func blockingTool(started chan<- struct{}) mcpservice.StaticTool {
	return mcpservice.NewTool("block", func(ctx context.Context, _ sessions.Session, _ mcpservice.ToolResponseWriter, _ *mcpservice.ToolRequest[struct{}]) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
}

func newTestEngine(t *testing.T, tools *mcpservice.ToolsContainer, opts ...engine.EngineOption) (*engine.Engine, sessions.Host) {
	t.Helper()
	host := memoryhost.New()
	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"}),
		mcpservice.WithToolsCapability(tools),
	)
	return engine.NewEngine(host, srv, opts...), host
}

func mustInitialize(t *testing.T, ctx context.Context, e *engine.Engine) (*engine.SessionHandle, *mcp.InitializeResult) {
	t.Helper()
	sess, res, err := e.InitializeSession(ctx, &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
	})
	if err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	return sess, res
}

func mustOpen(t *testing.T, ctx context.Context, e *engine.Engine, sess *engine.SessionHandle) {
	t.Helper()
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}
	if err := e.HandleNotification(ctx, sess, note); err != nil {
		t.Fatalf("HandleNotification(initialized): %v", err)
	}
}

func mustRequest(t *testing.T, ctx context.Context, e *engine.Engine, sess *engine.SessionHandle, id any, method string, params any) *jsonrpc.Response {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		t.Fatalf("NewRequest(%s): %v", method, err)
	}
	res, err := e.HandleRequest(ctx, sess, req)
	if err != nil {
		t.Fatalf("HandleRequest(%s): %v", method, err)
	}
	if res == nil {
		t.Fatalf("HandleRequest(%s): nil response", method)
	}
	return res
}

func TestInitializeCreatesPendingSession(t *testing.T) {
	ctx := context.Background()
	e, host := newTestEngine(t, mcpservice.MustNewToolsContainer(echoTool()))

	sess, res := mustInitialize(t, ctx, e)

	if sess.SessionID() == "" {
		t.Fatal("expected a non-empty session id")
	}
	if sess.State() != sessions.SessionStatePending {
		t.Fatalf("expected pending state, got %q", sess.State())
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("unexpected protocol version %q", res.ProtocolVersion)
	}
	if res.ServerInfo.Name != "test-server" {
		t.Fatalf("unexpected server info %+v", res.ServerInfo)
	}
	if res.Capabilities.Tools == nil || !res.Capabilities.Tools.ListChanged {
		t.Fatalf("expected tools capability with listChanged, got %+v", res.Capabilities.Tools)
	}

	meta, err := host.GetSession(ctx, sess.SessionID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if meta.State != sessions.SessionStatePending {
		t.Fatalf("host state = %q, want pending", meta.State)
	}
	if meta.Client.Name != "test-client" {
		t.Fatalf("host client = %+v", meta.Client)
	}
}

func TestInitializedNotificationOpensSessionIdempotently(t *testing.T) {
	ctx := context.Background()
	e, host := newTestEngine(t, mcpservice.MustNewToolsContainer(echoTool()))

	sess, _ := mustInitialize(t, ctx, e)
	mustOpen(t, ctx, e, sess)

	meta, err := host.GetSession(ctx, sess.SessionID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if meta.State != sessions.SessionStateOpen {
		t.Fatalf("state = %q, want open", meta.State)
	}
	openedAt := meta.OpenedAt
	if openedAt.IsZero() {
		t.Fatal("expected OpenedAt to be set")
	}

	// A repeated initialized notification must not regress the record.
	mustOpen(t, ctx, e, sess)
	meta, err = host.GetSession(ctx, sess.SessionID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !meta.OpenedAt.Equal(openedAt) {
		t.Fatalf("OpenedAt changed on repeat: %v != %v", meta.OpenedAt, openedAt)
	}
}

func TestHandshakeTTLExpiresPendingSession(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, mcpservice.MustNewToolsContainer(echoTool()),
		engine.WithHandshakeTTL(time.Millisecond))

	sess, _ := mustInitialize(t, ctx, e)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := e.LoadSession(ctx, sess.SessionID()); err == sessions.ErrSessionNotFound {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("pending session never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPingReturnsEmptyResult(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, mcpservice.MustNewToolsContainer(echoTool()))
	sess, _ := mustInitialize(t, ctx, e)
	mustOpen(t, ctx, e, sess)

	res := mustRequest(t, ctx, e, sess, 1, string(mcp.PingMethod), nil)
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if len(res.Result) == 0 {
		t.Fatal("expected a result payload")
	}
}

func TestToolsListAndCall(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, mcpservice.MustNewToolsContainer(echoTool()))
	sess, _ := mustInitialize(t, ctx, e)
	mustOpen(t, ctx, e, sess)

	res := mustRequest(t, ctx, e, sess, 1, string(mcp.ToolsListMethod), nil)
	if res.Error != nil {
		t.Fatalf("tools/list error: %+v", res.Error)
	}
	var listed mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &listed); err != nil {
		t.Fatalf("unmarshal tools/list result: %v", err)
	}
	if len(listed.Tools) != 1 || listed.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", listed.Tools)
	}

	res = mustRequest(t, ctx, e, sess, 2, string(mcp.ToolsCallMethod), map[string]any{
		"name":      "echo",
		"arguments": map[string]any{"message": "hello"},
	})
	if res.Error != nil {
		t.Fatalf("tools/call error: %+v", res.Error)
	}
	var called mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &called); err != nil {
		t.Fatalf("unmarshal tools/call result: %v", err)
	}
	if called.IsError {
		t.Fatalf("unexpected tool failure: %+v", called)
	}
	if len(called.Content) != 1 || called.Content[0].Text != "hello" {
		t.Fatalf("unexpected content: %+v", called.Content)
	}
}

func TestUnknownMethodIsMethodNotFound(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, mcpservice.MustNewToolsContainer(echoTool()))
	sess, _ := mustInitialize(t, ctx, e)
	mustOpen(t, ctx, e, sess)

	res := mustRequest(t, ctx, e, sess, 1, "resources/list", nil)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", res.Error)
	}
}

func TestToolCallWithoutNameIsInvalidParams(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, mcpservice.MustNewToolsContainer(echoTool()))
	sess, _ := mustInitialize(t, ctx, e)
	mustOpen(t, ctx, e, sess)

	res := mustRequest(t, ctx, e, sess, 1, string(mcp.ToolsCallMethod), map[string]any{
		"arguments": map[string]any{},
	})
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", res.Error)
	}
}

func TestCancelledNotificationInterruptsInFlightCall(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	e, _ := newTestEngine(t, mcpservice.MustNewToolsContainer(blockingTool(started)))
	sess, _ := mustInitialize(t, ctx, e)
	mustOpen(t, ctx, e, sess)

	type outcome struct {
		res *jsonrpc.Response
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID("req-42"), string(mcp.ToolsCallMethod), map[string]any{"name": "block"})
		if err != nil {
			done <- outcome{err: err}
			return
		}
		res, err := e.HandleRequest(ctx, sess, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	note, err := jsonrpc.NewRequest(nil, string(mcp.CancelledNotificationMethod), &mcp.CancelledNotification{
		RequestID: jsonrpc.NewRequestID("req-42"),
		Reason:    "client gave up",
	})
	if err != nil {
		t.Fatalf("NewRequest(cancelled): %v", err)
	}
	if err := e.HandleNotification(ctx, sess, note); err != nil {
		t.Fatalf("HandleNotification(cancelled): %v", err)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("HandleRequest: %v", out.err)
		}
		if out.res.Error == nil || out.res.Error.Code != jsonrpc.ErrorCodeServerError {
			t.Fatalf("expected a cancellation error response, got %+v", out.res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call never returned")
	}
}

func TestCancelledNotificationForUnknownRequestIsIgnored(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, mcpservice.MustNewToolsContainer(echoTool()))
	sess, _ := mustInitialize(t, ctx, e)
	mustOpen(t, ctx, e, sess)

	note, err := jsonrpc.NewRequest(nil, string(mcp.CancelledNotificationMethod), &mcp.CancelledNotification{
		RequestID: jsonrpc.NewRequestID("no-such-request"),
	})
	if err != nil {
		t.Fatalf("NewRequest(cancelled): %v", err)
	}
	if err := e.HandleNotification(ctx, sess, note); err != nil {
		t.Fatalf("HandleNotification(cancelled): %v", err)
	}
}

func TestDeleteSessionMakesLoadFail(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, mcpservice.MustNewToolsContainer(echoTool()))
	sess, _ := mustInitialize(t, ctx, e)
	mustOpen(t, ctx, e, sess)

	if err := e.DeleteSession(ctx, sess); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := e.LoadSession(ctx, sess.SessionID()); err != sessions.ErrSessionNotFound {
		t.Fatalf("LoadSession after delete = %v, want ErrSessionNotFound", err)
	}
}

func TestPublishToUnknownSessionFails(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, mcpservice.MustNewToolsContainer(echoTool()))

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "noop"}
	if _, err := e.PublishToSession(ctx, "missing", req); err != sessions.ErrSessionNotFound {
		t.Fatalf("PublishToSession = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteSessionReleasesListChangedEmitter(t *testing.T) {
	ctx := context.Background()
	host := memoryhost.New()

	var notifier mcpservice.ChangeNotifier
	tools := mcpservice.NewDynamicTools(
		mcpservice.WithToolsListFn(func(context.Context, sessions.Session, *string) (mcpservice.Page[mcp.Tool], error) {
			return mcpservice.NewPage[mcp.Tool](nil), nil
		}),
		mcpservice.WithToolsChangeSubscriber(&notifier),
	)
	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"}),
		mcpservice.WithToolsCapability(tools),
	)
	e := engine.NewEngine(host, srv)

	sess, _ := mustInitialize(t, ctx, e)
	mustOpen(t, ctx, e, sess)
	sid := sess.SessionID()

	if _, err := e.LoadSession(ctx, sid); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	waitForListChanged(t, ctx, host, sid, &notifier)

	if err := e.DeleteSession(ctx, sess); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	// Re-create the same id at the host layer so a stream publish would
	// succeed if the old emitter were still alive.
	now := time.Now().UTC()
	if err := host.CreateSession(ctx, &sessions.SessionMetadata{
		MetaVersion: 1,
		SessionID:   sid,
		State:       sessions.SessionStateOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastAccess:  now,
		TTL:         time.Minute,
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	marker, err := host.PublishSession(ctx, sid, []byte(`{"jsonrpc":"2.0","method":"marker"}`))
	if err != nil {
		t.Fatalf("PublishSession(marker): %v", err)
	}
	if err := notifier.Notify(ctx); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := host.PublishSession(ctx, sid, []byte(`{"jsonrpc":"2.0","method":"sentinel"}`)); err != nil {
		t.Fatalf("PublishSession(sentinel): %v", err)
	}
	for _, method := range replayMethods(t, ctx, host, sid, marker, "sentinel") {
		if method == string(mcp.ToolsListChangedNotificationMethod) {
			t.Fatal("torn-down emitter still published to the session stream")
		}
	}

	// Loading the session again rewires a fresh emitter.
	if _, err := e.LoadSession(ctx, sid); err != nil {
		t.Fatalf("LoadSession after recreate: %v", err)
	}
	waitForListChanged(t, ctx, host, sid, &notifier)
}

// waitForListChanged subscribes to the session stream and waits for a tools
// list_changed notification, re-triggering the notifier while waiting so a
// signal cannot race subscription establishment.
func waitForListChanged(t *testing.T, ctx context.Context, host sessions.Host, sid string, notifier *mcpservice.ChangeNotifier) {
	t.Helper()

	subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	got := make(chan string, 8)
	go func() {
		_ = host.SubscribeSession(subCtx, sid, "", func(_ context.Context, _ string, msg []byte) error {
			var m jsonrpc.AnyMessage
			if err := json.Unmarshal(msg, &m); err == nil {
				select {
				case got <- m.Method:
				default:
				}
			}
			return nil
		})
	}()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case method := <-got:
			if method == string(mcp.ToolsListChangedNotificationMethod) {
				return
			}
		case <-subCtx.Done():
			t.Fatal("timed out waiting for list_changed notification")
		case <-ticker.C:
			_ = notifier.Notify(ctx)
		}
	}
}

// replayMethods replays the stream after lastEventID up to the first message
// whose method equals stop, returning the methods seen before it.
func replayMethods(t *testing.T, ctx context.Context, host sessions.Host, sid, lastEventID, stop string) []string {
	t.Helper()

	subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var methods []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = host.SubscribeSession(subCtx, sid, lastEventID, func(_ context.Context, _ string, msg []byte) error {
			var m jsonrpc.AnyMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				return err
			}
			if m.Method == stop {
				cancel()
				return nil
			}
			methods = append(methods, m.Method)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out replaying session stream")
	}
	return methods
}

func TestStreamSessionReplaysAfterLastEventID(t *testing.T) {
	ctx := context.Background()
	e, host := newTestEngine(t, mcpservice.MustNewToolsContainer(echoTool()))
	sess, _ := mustInitialize(t, ctx, e)
	mustOpen(t, ctx, e, sess)

	first, err := host.PublishSession(ctx, sess.SessionID(), []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))
	if err != nil {
		t.Fatalf("PublishSession: %v", err)
	}
	if _, err := host.PublishSession(ctx, sess.SessionID(), []byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"x"}}`)); err != nil {
		t.Fatalf("PublishSession: %v", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var got []string
	err = e.StreamSession(streamCtx, sess, first, func(_ context.Context, msgID string, _ []byte) error {
		got = append(got, msgID)
		cancel()
		return nil
	})
	if err != nil && err != context.Canceled {
		t.Fatalf("StreamSession: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly the message after %s, got %v", first, got)
	}
}
