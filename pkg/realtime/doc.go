// Package realtime fans out tagged, timestamped messages to live subscribers.
//
// A Hub keeps per-tenant subscriptions, each attached to one or more topics
// (event, metrics, session). Publishing never blocks: a subscriber whose buffer
// is full loses the message and the drop is counted. The Broadcaster is the
// publish side used by the worker pool and the session tracker.
//
// Running several API replicas, RedisBridge relays every locally published
// message over a Redis pub/sub channel and delivers messages from other
// replicas into the local hub. Each bridge tags messages with its origin id so
// a replica never re-delivers its own traffic.
//
// LiveView answers "who is here right now" purely by recency: a session is live
// while it is active and its last activity falls inside the trailing window.
// No explicit end is needed for a session to drop out of the view.
package realtime
