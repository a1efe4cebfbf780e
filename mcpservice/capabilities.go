// Package mcpservice defines the capability interfaces that a server
// implementation exposes to the streaming HTTP handler in this repository.
//
// The handler discovers capabilities at runtime on a per-session basis, and
// translates method calls on these interfaces into JSON-RPC messages.
// Implementations may be static (same capabilities for all sessions) or
// dynamic (vary by session) but MUST be safe for concurrent use and respect
// the provided context for cancellation and deadlines.
//
// Conventions used throughout this package:
//   - Capability discovery methods return (cap, ok, err). A false ok indicates
//     that the capability is not supported for the given session; err should be
//     reserved for transient or internal failures while determining support.
//   - All methods accept a context.Context which MUST be honored for
//     cancellation.
//   - The sessions.Session value is the unit of isolation.
//   - Pagination uses the Page[T] type in this package; a nil cursor requests
//     the first page. Implementations SHOULD populate NextCursor when more data
//     is available.
package mcpservice

import (
	"context"

	"github.com/skycastlabs/weathermcp/mcp"
	"github.com/skycastlabs/weathermcp/sessions"
)

type ServerCapabilities interface {
	// GetServerInfo returns static implementation information about the server
	// that is surfaced in initialize results (name, version, etc.).
	//
	// This method MAY be called multiple times and SHOULD be inexpensive.
	GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)

	// GetPreferredProtocolVersion returns the server's preferred protocol
	// version for this session. If ok is false, the handler should fall back
	// to the client's requested version.
	GetPreferredProtocolVersion(ctx context.Context) (version string, ok bool, err error)

	// GetInstructions returns optional human-readable instructions that should
	// be surfaced to the client during initialization. If ok is false, no
	// instructions will be included in the initialize result.
	GetInstructions(ctx context.Context, session sessions.Session) (instructions string, ok bool, err error)

	// GetToolsCapability returns the tools capability if supported by the
	// server for the given session. If ok is false, the handler will not
	// advertise tool support in the server capabilities.
	//
	// Implementations may return a session-scoped value. The returned value
	// MUST be safe for concurrent use.
	GetToolsCapability(ctx context.Context, session sessions.Session) (cap ToolsCapability, ok bool, err error)

	// GetLoggingCapability returns the logging capability if supported by the
	// server for the given session. If ok is false, the handler will not
	// advertise logging support in the server capabilities.
	GetLoggingCapability(ctx context.Context, session sessions.Session) (cap LoggingCapability, ok bool, err error)
}

// ToolsCapability defines the server's tools surface area.
// Implementations may be static or dynamic per session. All methods MUST be
// safe for concurrent use.
type ToolsCapability interface {
	// ListTools returns a (possibly paginated) list of tools available to the
	// session. A nil cursor requests the first page. When more results are
	// available, Page.NextCursor SHOULD be set.
	ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error)

	// CallTool invokes a named tool with the provided request payload.
	// Implementations validate inputs and report tool failures through the
	// result's IsError flag. The error return is reserved for internal
	// faults that should surface as protocol errors.
	CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

	// GetListChangedCapability returns an optional capability that, when
	// present, allows the handler to register a callback to be invoked when
	// the tool list changes. If ok is false, list-changed notifications are
	// not supported and the handler will not advertise "listChanged".
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap ToolListChangedCapability, ok bool, err error)
}

// NotifyToolsListChangedFunc is invoked when the server's tool list changes
// for the session (additions, removals, or metadata changes). Implementations
// MAY coalesce rapid changes and deliver fewer callbacks.
type NotifyToolsListChangedFunc func(ctx context.Context, session sessions.Session)

// ToolListChangedCapability provides tools list-changed notifications support.
// Register should be idempotent for the same (session, fn) pair and respect
// ctx cancellation to stop delivering callbacks.
type ToolListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyToolsListChangedFunc) (ok bool, err error)
}

// LoggingCapability allows the client to adjust the server's logging level for
// the session or process depending on implementation. Implementations should
// be thread-safe and return quickly.
type LoggingCapability interface {
	// SetLevel updates the server's logging level. Implementations decide
	// scope (process-wide vs session-specific) and mapping to underlying
	// logger(s).
	SetLevel(ctx context.Context, session sessions.Session, level mcp.LoggingLevel) error
}
