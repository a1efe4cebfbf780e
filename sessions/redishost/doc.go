// Package redishost implements sessions.Host using Redis primitives
// (Streams + simple keys) to support horizontally scalable deployments.
// It provides ordered per-session message streams and metadata persistence
// with sliding TTL / max lifetime enforcement.
//
// Design Notes
//   - Session streams: XADD + XREAD consumer-group free polling; at-least-once
//   - Metadata: JSON blob stored at key; MutateSession uses WATCH-based
//     optimistic read/modify/write
//   - Expiry: key TTL tracks the sliding window; the max-lifetime cap is
//     enforced on read
//
// Trade-offs
//
//	Pros: durability, multi-process coordination, simple operational model
//	Cons: at-least-once semantics require idempotent handlers
//
// Use memoryhost for ephemeral development; use redishost where scale-out or
// restart persistence is required.
package redishost
