package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/pulse/pkg/storage"
)

// transientCodes are SQLSTATEs worth retrying: serialization failures, admin shutdown,
// too many connections and lock timeouts. Class 08 (connection exceptions) is matched
// separately.
var transientCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
}

// wrapErr annotates err with the failed operation and marks retryable failures
// as storage.TransientError
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return storage.Transient(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08" || transientCodes[pqErr.Code]
	}
	return storage.IsTransient(err)
}
