// Package mcp contains protocol data types and constants shared across the
// transport and server capability layers. It mirrors the wire representation
// of the subset of the Model Context Protocol this server speaks (the
// initialize handshake, the tools surface, logging level control, and the
// general ping/cancel/progress messages) while keeping the surface
// Go-friendly: exported structs with json tags, string constants for method
// names and enumerations, helper validation functions.
//
// The package is intentionally free of transport logic: the streaming HTTP
// handler imports these types but implements its own framing and session
// handling. Likewise mcpservice constructs responses using these concrete
// types and hands them to the engine for JSON-RPC serialization.
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Using the constants avoids typographical mistakes
// and ensures a single point of truth if the spec evolves.
package mcp
