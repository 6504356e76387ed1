package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened on the client
type EventType string

const (
	EventScreenView     EventType = "screen_view"
	EventProductView    EventType = "product_view"
	EventAddToCart      EventType = "add_to_cart"
	EventRemoveFromCart EventType = "remove_from_cart"
	EventPurchase       EventType = "purchase"
	EventSearch         EventType = "search"
	EventClick          EventType = "click"
	EventScroll         EventType = "scroll"
	EventError          EventType = "error"
	EventPerformance    EventType = "performance"
	EventCheckoutStart  EventType = "checkout_start"
	EventCustom         EventType = "custom"
)

var allEventTypes = []EventType{
	EventScreenView,
	EventProductView,
	EventAddToCart,
	EventRemoveFromCart,
	EventPurchase,
	EventSearch,
	EventClick,
	EventScroll,
	EventError,
	EventPerformance,
	EventCheckoutStart,
	EventCustom,
}

var validEventTypes = func() map[EventType]struct{} {
	m := make(map[EventType]struct{}, len(allEventTypes))
	for _, t := range allEventTypes {
		m[t] = struct{}{}
	}
	return m
}()

// Valid reports whether t is one of the known event types
func (t EventType) Valid() bool {
	_, ok := validEventTypes[t]
	return ok
}

// AllEventTypes returns the closed set of event types in declaration order
func AllEventTypes() []EventType {
	out := make([]EventType, len(allEventTypes))
	copy(out, allEventTypes)
	return out
}

// ParseEventType converts a raw string into an EventType
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "eventType", Reason: "unknown event type " + s}
	}
	return t, nil
}

// Property and performance metric names the analytics layer reads
const (
	// PropertyDuration is the client-reported time spent on a screen, in seconds
	PropertyDuration = "duration"
	// MetricLoadTime is the client-reported load time, in milliseconds
	MetricLoadTime = "loadTime"
)

// Event is an immutable behavioral fact
type Event struct {
	ID                 string                 `json:"id"`
	TenantID           string                 `json:"tenantId"`
	UserID             string                 `json:"userId,omitempty"`
	DeviceID           string                 `json:"deviceId"`
	SessionID          string                 `json:"sessionId"`
	EventType          EventType              `json:"eventType"`
	ScreenName         string                 `json:"screenName,omitempty"`
	Properties         map[string]interface{} `json:"properties,omitempty"`
	ProductID          string                 `json:"productId,omitempty"`
	CategoryID         string                 `json:"categoryId,omitempty"`
	OrderID            string                 `json:"orderId,omitempty"`
	Amount             *float64               `json:"amount,omitempty"`
	SearchQuery        string                 `json:"searchQuery,omitempty"`
	ErrorMessage       string                 `json:"errorMessage,omitempty"`
	PerformanceMetrics map[string]float64     `json:"performanceMetrics,omitempty"`
	IPAddress          string                 `json:"ipAddress,omitempty"`
	UserAgent          string                 `json:"userAgent,omitempty"`
	Timestamp          time.Time              `json:"timestamp"`

	// Enrichment, filled best-effort at ingestion
	DeviceType string `json:"deviceType,omitempty"`
	Browser    string `json:"browser,omitempty"`
	OS         string `json:"os,omitempty"`
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`
}

// UserKey returns the (userId, deviceId) pair used for distinct-user counting
func (e *Event) UserKey() string {
	return UserKey(e.UserID, e.DeviceID)
}

// UserKey joins a user and device id into a single distinct-count key
func UserKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}

// AmountValue returns the amount or zero when absent
func (e *Event) AmountValue() float64 {
	if e.Amount == nil {
		return 0
	}
	return *e.Amount
}

// EnsureID assigns a new id if the event has none and returns it
func (e *Event) EnsureID() string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return e.ID
}

// DurationProperty returns the numeric duration property of a screen view
func (e *Event) DurationProperty() (float64, bool) {
	if e.Properties == nil {
		return 0, false
	}
	return toFloat(e.Properties[PropertyDuration])
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
