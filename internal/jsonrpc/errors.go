package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request
	// object, or that the request arrived outside a valid session context.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// Implementation-defined server error range (-32000 to -32099).

	// ErrorCodeServerError indicates an unexpected server-side failure while
	// handling an otherwise well-formed message.
	ErrorCodeServerError ErrorCode = -32000
	// ErrorCodeSessionNotFound indicates the presented session identifier does
	// not name a live session on this server.
	ErrorCodeSessionNotFound ErrorCode = -32001
)
