// Package async provides panic-safe goroutines and a bounded worker pool for background work.
//
// SafeGo runs a best-effort side task (realtime broadcast, export mirroring) detached from
// the request with its own timeout:
//
//	async.SafeGo(ctx, logger, 2*time.Second, "broadcast event", func(ctx context.Context) error {
//		return broadcaster.BroadcastEvent(ctx, tenantID, event)
//	})
//
// Batch fans a slice out over a fixed number of workers and collects the errors. The
// aggregator binary uses it to roll up every configured tenant:
//
//	errs := async.Batch(ctx, logger, tenants, 4, "aggregate tenant", 5*time.Minute, run)
package async
