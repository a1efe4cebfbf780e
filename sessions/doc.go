// Package sessions defines the core session abstraction shared by the
// transport and server capability code. A session represents the negotiated
// protocol version and lifecycle state for a connected client. The transport
// creates and persists session metadata via a Host implementation.
//
// Layers & Roles
//
//	Transport      -> orchestrates initialize handshake, manages lifetime
//	Host           -> durability & coordination (metadata + ordered client stream)
//	Session object -> per-session view exposed to capability code
//
// # Host Interface
//
// Host abstracts persistence and ordered fan-out semantics required by
// streaming transports:
//   - Metadata CRUD with atomic insert-if-absent and sliding TTL
//   - PublishSession / SubscribeSession: ordered client-visible message log
//     with resume-from-event-ID semantics
//
// Implementations
//
//	memoryhost : in-memory reference used for tests / single-process servers
//	redishost  : Redis backed implementation for horizontal scale
package sessions
