package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound is returned when a session, cohort, funnel or report does not exist
	ErrNotFound = errors.New("not found")

	// ErrReportTerminal is returned when updating a report that already completed or failed
	ErrReportTerminal = errors.New("report already resolved")
)

// TransientError marks a datastore failure worth retrying (timeouts, lost connections)
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
