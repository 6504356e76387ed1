// Package worker drains the ingestion queue into the event store.
//
// A Pool runs a fixed number of consumers sharing one throughput limiter. Each
// job is decoded, persisted, mirrored to the export publisher and announced on
// the realtime event topic. Persistence failures are retried with exponential
// backoff until the job's attempt budget is spent, after which the job is
// dead-lettered with a TerminalFailure. Jobs that can never succeed (undecodable
// or invalid payloads) are dead-lettered on the first attempt.
//
// Export and broadcast are best effort: their failures are logged and counted
// but never retried, since the event is already durable at that point.
package worker
