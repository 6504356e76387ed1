package events

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ValidationError is returned when an event is malformed. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// Storage bounds for string fields, in characters
const (
	MaxIDLength           = 255
	MaxScreenNameLength   = 255
	MaxSearchQueryLength  = 500
	MaxErrorMessageLength = 1000
	MaxUserAgentLength    = 1000
	MaxIPAddressLength    = 45
)

// Validator checks required fields and clips oversized strings
type Validator struct {
	now func() time.Time
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// Validate checks e in place. Oversized strings are truncated rather than rejected.
// A zero timestamp is replaced with the current time.
func (v *Validator) Validate(e *Event) error {
	if e == nil {
		return &ValidationError{Field: "event", Reason: "is required"}
	}

	e.TenantID = strings.TrimSpace(e.TenantID)
	e.DeviceID = strings.TrimSpace(e.DeviceID)
	e.SessionID = strings.TrimSpace(e.SessionID)

	switch {
	case e.TenantID == "":
		return &ValidationError{Field: "tenantId", Reason: "is required"}
	case e.DeviceID == "":
		return &ValidationError{Field: "deviceId", Reason: "is required"}
	case e.SessionID == "":
		return &ValidationError{Field: "sessionId", Reason: "is required"}
	case e.EventType == "":
		return &ValidationError{Field: "eventType", Reason: "is required"}
	case !e.EventType.Valid():
		return &ValidationError{Field: "eventType", Reason: fmt.Sprintf("unknown event type %q", e.EventType)}
	}

	e.TenantID = Truncate(e.TenantID, MaxIDLength)
	e.DeviceID = Truncate(e.DeviceID, MaxIDLength)
	e.SessionID = Truncate(e.SessionID, MaxIDLength)
	e.UserID = Truncate(e.UserID, MaxIDLength)
	e.ProductID = Truncate(e.ProductID, MaxIDLength)
	e.CategoryID = Truncate(e.CategoryID, MaxIDLength)
	e.OrderID = Truncate(e.OrderID, MaxIDLength)
	e.ScreenName = Truncate(e.ScreenName, MaxScreenNameLength)
	e.SearchQuery = Truncate(e.SearchQuery, MaxSearchQueryLength)
	e.ErrorMessage = Truncate(e.ErrorMessage, MaxErrorMessageLength)
	e.UserAgent = Truncate(e.UserAgent, MaxUserAgentLength)
	e.IPAddress = Truncate(e.IPAddress, MaxIPAddressLength)

	if e.Timestamp.IsZero() {
		e.Timestamp = v.now().UTC()
	}

	return nil
}

// Truncate clips s to at most max characters without splitting a UTF-8 sequence
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
