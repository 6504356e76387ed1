// Package queue is the durable, at-least-once boundary between request handling and persistence.
//
// A Job is a tagged JSON payload with an attempt budget. Producers Enqueue jobs; consumers
// Reserve one at a time and resolve it with exactly one of Complete, Retry (redelivered after a
// delay) or Fail (moved to the dead-letter list for inspection). Dead letters can be re-driven
// with Requeue, and completed jobs are dropped by ReclaimCompleted once they age past the
// retention window. A reserved job never resolved, because its consumer crashed or lost its
// connection, is handed out again by RequeueStalled. A job whose stored body cannot be read is
// dead-lettered on reserve.
//
// Two implementations are provided:
//
//   - MemoryQueue: in-process, for development and tests
//   - RedisQueue: lists, sorted sets and a hash in Redis, shared by every worker process
//
// Redis layout (prefix defaults to "pulse:queue"):
//
//	<prefix>:jobs        HASH   job id -> job JSON
//	<prefix>:ready       LIST   ids waiting for a consumer
//	<prefix>:processing  LIST   ids reserved by a consumer
//	<prefix>:reserved    ZSET   leases on processing ids, scored by reservation (unix ms)
//	<prefix>:delayed     ZSET   ids waiting for a retry, scored by run-at (unix ms)
//	<prefix>:completed   ZSET   ids resolved successfully, scored by completion (unix ms)
//	<prefix>:dead        LIST   ids that exhausted their attempts
package queue
