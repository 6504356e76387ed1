// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
// Every error reply has the same body:
//
//	{"success": false, "error": "...", "field": "eventType", "retryAfter": 30}
//
//	httputil.WriteSuccess(w, data)
//	httputil.WriteValidationError(w, "eventType", "unknown event type")
//	httputil.WriteTooManyRequests(w, ttl)
//
// # Request Parsing
//
//	var req StartSessionRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	day, ok, err := httputil.ParseQueryDate(r, "date")
//	topics := httputil.ParseQueryList(r, "topics")
//
// ClientIP and UserAgent extract the caller identity used for enrichment and rate limiting.
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// RateLimitMiddleware applies a per-client-IP limit and fails open when the limiter errors.
package httputil
