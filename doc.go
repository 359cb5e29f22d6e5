// Package tierkv is a tiered key-value storage engine: one value-typed API
// routed across storage tiers of differing speed, capacity, and durability.
//
// Components:
//   - provider.Provider: the uniform tier contract (memory, session, durable).
//   - Router: composes the tiers; picks a tier per write by priority or
//     payload size, probes tiers in speed order on read, and promotes hits
//     into memory.
//   - Manager[V]: the facade callers hold. Owns the provider registry, the
//     codec boundary, and optional gzip compression.
//   - Batcher[V]: coalesces producer updates into chunked bulk writes.
//   - Legacy[V]: the old synchronous/polling API, emulated for unmigrated
//     call sites.
//
// Routing (no explicit priority):
//
//	<= 10 KiB  -> memory
//	<= 100 KiB -> session
//	>  100 KiB -> durable
//
// with session -> memory as the fallback chain, and values <= 10 KiB written
// elsewhere mirrored into memory so the next read is fast. Memory copies are
// a best-effort cache, never the source of truth.
package tierkv
