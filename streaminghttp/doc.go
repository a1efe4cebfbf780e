// Package streaminghttp implements the streaming HTTP transport for the MCP
// server. It mounts as a standard net/http handler and provides ordered
// JSON-RPC over long-lived streaming responses (Server-Sent Events) plus
// normal request/response for RPC calls initiated by the client.
//
// Responsibilities
//   - Session creation & validation (via sessions.Host)
//   - Capability discovery (invokes mcpservice.ServerCapabilities getters)
//   - Ordered outbound event fan-out (progress, tools listChanged)
//   - Session termination (DELETE)
//
// Construction
//
//	h, err := streaminghttp.New(
//	    ctx,
//	    "https://api.example/mcp", // public endpoint base
//	    host,                       // sessions.Host implementation
//	    server,                     // mcpservice.ServerCapabilities
//	)
//
// # Request Routing
//
// A single endpoint serves three verbs. POST carries client-to-server
// JSON-RPC messages; the only message admitted without a session header is an
// initialize request, which mints the session and returns its identifier in
// the Mcp-Session-Id response header. GET attaches a resumable SSE stream
// for server-to-client messages (Last-Event-ID picks up where a dropped
// stream left off). DELETE terminates the session.
//
// The session header is authoritative: it is validated before the body is
// even decoded, so a stale session id always yields session-not-found
// regardless of payload shape.
//
// # Error Handling
//
// Transport-level rejections are serialized as JSON-RPC error envelopes with
// a paired HTTP status: invalid request (-32600) with 400, session not found
// (-32001) with 404, and internal server error (-32000) with 500. MCP-level
// errors ride inside the normal JSON-RPC response.
//
// # Scaling
//
// Horizontal scale relies on a shared sessions.Host. Each node handles any
// mix of requests; ordering for a given session is preserved by the host's
// stream semantics, not sticky routing.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", h)
//	http.ListenAndServe(":8080", mux)
package streaminghttp
