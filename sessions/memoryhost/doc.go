// Package memoryhost provides an in-memory sessions.Host implementation
// suitable for tests, development, and single-process servers. All state is
// ephemeral and discarded on process exit. It implements metadata persistence
// with atomic insert-if-absent and ordered per-session message streaming
// using Go data structures guarded by mutexes.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Ordering          : monotonic decimal IDs per session stream
//	Concurrency       : safe (RWMutex + per-stream coordination)
//
// For multi-node deployments prefer redishost.
package memoryhost
