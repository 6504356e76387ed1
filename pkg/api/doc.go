// Package api provides the HTTP REST API of the pulse analytics core.
//
// # Overview
//
// The API is built on gorilla/mux and organized into handler groups, each owning its
// routes through RegisterRoutes:
//
//   - Events: single and batch ingestion (POST /v1/events, /v1/events/batch)
//   - Sessions: start, heartbeat and end (/v1/sessions/...)
//   - Realtime: live overview, sessions, screens, recent events and the SSE stream
//   - Analytics: historical dashboard queries and on-demand rollups
//   - Funnels, Cohorts, Reports: definitions, analysis runs and stored results
//   - Admin: queue depth, dead letters and re-drive
//
// Tenant-scoped read routes live under /v1/tenants/{tenant}. Ingestion and session
// payloads carry their own tenantId.
//
// # Usage
//
//	srv := api.NewServer(api.Dependencies{
//		Ingest:    ingestService,
//		Sessions:  tracker,
//		Analytics: analyticsService,
//		Queue:     q,
//		Logger:    logger,
//	})
//	http.ListenAndServe(":8080", srv)
//
// Handler groups whose dependency is nil are not registered.
//
// # Errors
//
// Failures use the httputil error envelope {"success":false,"error":...}. Validation
// errors reply 400 with the offending field, unknown ids 404, operations on resolved
// reports 409 and an unavailable queue or store 503 with Retry-After. Heartbeats always
// reply 200 and report failure through success=false.
//
// # Middleware
//
// Every request passes through panic recovery, request ID assignment, access logging,
// optional CORS and a body size limit, wrapped in an OpenTelemetry server span. Routes
// under /v1 are counted in Prometheus by path template. Ingestion routes are rate
// limited per client IP when a limiter is configured; limiter errors let requests through.
package api
