// Package analytics computes rollups of the event log and answers dashboard queries.
//
// # Aggregation
//
// The Aggregator recomputes one (tenant, period) row at a time for three granularities:
// the UTC day, the ISO week starting Monday and the calendar month. Every component
// (users, sessions, duration, bounce, funnel-stage counters, revenue, load time and
// error rate) is read concurrently; the row is upserted only when all of them succeeded,
// so a failed run never leaves a partial aggregate behind. Recomputing a period
// overwrites the previous row, which makes reruns and backfills safe.
//
//	agg := analytics.NewAggregator(store,
//		analytics.WithAggregatorLogger(logger),
//		analytics.WithMetricsBroadcaster(broadcaster),
//	)
//	if err := agg.AggregateAll(ctx, "tenant-1", yesterday); err != nil {
//		return err
//	}
//
// AggregateAll also closes the week on Sundays and the month on its last day.
//
// # Queries
//
// Service serves the read side: realtime overview, per-day revenue and session series,
// top products and screens, and screen-to-screen navigation. Range queries are memoized
// in an expirable LRU keyed by tenant, query and range.
//
// # Alerts
//
// An Alerter attached to the aggregator checks each daily rollup against error rate,
// load time and bounce thresholds. Raised alerts are logged and sent to realtime
// subscribers with the rollup.
package analytics
