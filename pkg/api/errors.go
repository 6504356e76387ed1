package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/ingest"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/queue"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// unavailableRetryAfter is advertised on 503 replies
const unavailableRetryAfter = 5 * time.Second

// writeError maps domain errors onto HTTP replies. Anything unrecognized is logged with the
// request's logger and reported as a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *events.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteValidationError(w, verr.Field, verr.Error())
	case errors.Is(err, analytics.ErrInvalidRange), errors.Is(err, ingest.ErrBatchTooLarge):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, queue.ErrJobNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, storage.ErrReportTerminal):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, queue.ErrUnavailable), storage.IsTransient(err):
		observability.FromContext(r.Context()).WithError(err).Warn("dependency unavailable")
		httputil.WriteServiceUnavailable(w, "service temporarily unavailable", unavailableRetryAfter)
	default:
		observability.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		httputil.WriteInternalError(w)
	}
}
