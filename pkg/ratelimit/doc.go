// Package ratelimit provides the throughput ceilings used by ingestion.
//
// Limiter is a fixed-window counter owned by a single component (the worker pool holds one
// for its global events/sec cap). Its reset logic is the pure function Advance, so window
// behavior is testable without a clock.
//
// Keyed holds one Limiter per key for per-client limits inside one process. Distributed keeps
// the same per-key counters in Redis so that every API instance shares them; on Redis errors
// it fails open.
package ratelimit
