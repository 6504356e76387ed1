package storage

import (
	"time"

	"github.com/platinummonkey/pulse/pkg/events"
)

// Session is the mutable record of one client session, unique per (tenant, session id)
type Session struct {
	TenantID        string                 `json:"tenantId"`
	SessionID       string                 `json:"sessionId"`
	UserID          string                 `json:"userId,omitempty"`
	DeviceID        string                 `json:"deviceId"`
	SessionStart    time.Time              `json:"sessionStart"`
	SessionEnd      *time.Time             `json:"sessionEnd,omitempty"`
	Duration        *int64                 `json:"duration,omitempty"` // seconds
	PageViews       int64                  `json:"pageViews"`
	EventsCount     int64                  `json:"eventsCount"`
	Conversion      bool                   `json:"conversion"`
	ConversionValue *float64               `json:"conversionValue,omitempty"`
	ConversionType  string                 `json:"conversionType,omitempty"`
	IsActive        bool                   `json:"isActive"`
	LastActivity    time.Time              `json:"lastActivity"`
	DeviceInfo      map[string]interface{} `json:"deviceInfo,omitempty"`
	Country         string                 `json:"country,omitempty"`
	City            string                 `json:"city,omitempty"`
}

// UserKey returns the (userId, deviceId) distinct-count key
func (s *Session) UserKey() string {
	return events.UserKey(s.UserID, s.DeviceID)
}

// AggregateType is the rollup granularity
type AggregateType string

const (
	AggregateDaily   AggregateType = "daily"
	AggregateWeekly  AggregateType = "weekly"
	AggregateMonthly AggregateType = "monthly"
)

// Valid reports whether t is a known granularity
func (t AggregateType) Valid() bool {
	switch t {
	case AggregateDaily, AggregateWeekly, AggregateMonthly:
		return true
	}
	return false
}

// Aggregate is one rollup row, unique per (tenant, date, type)
type Aggregate struct {
	TenantID           string                 `json:"tenantId"`
	AggregateDate      time.Time              `json:"aggregateDate"`
	AggregateType      AggregateType          `json:"aggregateType"`
	TotalUsers         int64                  `json:"totalUsers"`
	ActiveUsers        int64                  `json:"activeUsers"`
	TotalSessions      int64                  `json:"totalSessions"`
	TotalEvents        int64                  `json:"totalEvents"`
	TotalRevenue       float64                `json:"totalRevenue"`
	AvgSessionDuration float64                `json:"avgSessionDuration"`
	BounceRate         float64                `json:"bounceRate"`
	DAU                int64                  `json:"dau"`
	WAU                int64                  `json:"wau"`
	MAU                int64                  `json:"mau"`
	NewUsers           int64                  `json:"newUsers"`
	ReturningUsers     int64                  `json:"returningUsers"`
	ProductViews       int64                  `json:"productViews"`
	AddToCart          int64                  `json:"addToCart"`
	CheckoutStart      int64                  `json:"checkoutStart"`
	Purchases          int64                  `json:"purchases"`
	AvgLoadTime        float64                `json:"avgLoadTime"`
	ErrorRate          float64                `json:"errorRate"`
	RetentionRate      *float64               `json:"retentionRate,omitempty"`
	CrashRate          *float64               `json:"crashRate,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

// CohortType selects how cohort members are resolved
type CohortType string

const (
	CohortRegistration  CohortType = "registration"
	CohortFirstPurchase CohortType = "first_purchase"
	CohortCustom        CohortType = "custom"
)

// Valid reports whether t is a known cohort type
func (t CohortType) Valid() bool {
	switch t {
	case CohortRegistration, CohortFirstPurchase, CohortCustom:
		return true
	}
	return false
}

// WeekRetention is the activity of cohort members in one week offset
type WeekRetention struct {
	Active        int64   `json:"active"`
	RetentionRate float64 `json:"retentionRate"`
}

// CohortRevenue summarizes purchases attributable to cohort members
type CohortRevenue struct {
	TotalRevenue   float64            `json:"totalRevenue"`
	AverageRevenue float64            `json:"averageRevenue"`
	RevenueByWeek  map[string]float64 `json:"revenueByWeek"`
}

// Cohort is unique per (tenant, type, date)
type Cohort struct {
	ID            string                   `json:"id"`
	TenantID      string                   `json:"tenantId"`
	CohortName    string                   `json:"cohortName"`
	CohortType    CohortType               `json:"cohortType"`
	CohortDate    time.Time                `json:"cohortDate"`
	CustomEvent   events.EventType         `json:"customEvent,omitempty"`
	TotalUsers    int64                    `json:"totalUsers"`
	RetentionData map[string]WeekRetention `json:"retentionData"`
	RevenueData   CohortRevenue            `json:"revenueData"`
	CreatedAt     time.Time                `json:"createdAt"`
	UpdatedAt     time.Time                `json:"updatedAt"`
}

// FunnelStep is one ordered step of a funnel definition
type FunnelStep struct {
	Name      string           `json:"name"`
	EventType events.EventType `json:"eventType"`
}

// FunnelStepResult is the analysis of one step
type FunnelStepResult struct {
	Step           int              `json:"step"`
	StepName       string           `json:"stepName"`
	EventType      events.EventType `json:"eventType"`
	Count          int64            `json:"count"`
	ConversionRate float64          `json:"conversionRate"`
	DropOff        int64            `json:"dropOff"`
}

// DropOffPoint is the flattened drop-off summary for one transition
type DropOffPoint struct {
	FromStep string  `json:"fromStep"`
	ToStep   string  `json:"toStep"`
	DropOff  int64   `json:"dropOff"`
	Rate     float64 `json:"rate"`
}

// DateRange is a half-open [Start, End) interval
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Funnel is a stored funnel definition plus its latest analysis
type Funnel struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenantId"`
	FunnelName     string             `json:"funnelName"`
	FunnelSteps    []FunnelStep       `json:"funnelSteps"`
	Results        []FunnelStepResult `json:"results"`
	TotalUsers     int64              `json:"totalUsers"`
	Conversions    int64              `json:"conversions"`
	ConversionRate float64            `json:"conversionRate"`
	DropOffPoints  []DropOffPoint     `json:"dropOffPoints"`
	DateRange      *DateRange         `json:"dateRange,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// ReportStatus is the report state machine: generating -> completed | failed
type ReportStatus string

const (
	ReportGenerating ReportStatus = "generating"
	ReportCompleted  ReportStatus = "completed"
	ReportFailed     ReportStatus = "failed"
)

// Terminal reports whether the status can no longer change
func (s ReportStatus) Terminal() bool {
	return s == ReportCompleted || s == ReportFailed
}

// Report is a named, assembled result set kept for later export
type Report struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenantId"`
	ReportName  string                 `json:"reportName"`
	ReportType  string                 `json:"reportType"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Status      ReportStatus           `json:"status"`
	Results     interface{}            `json:"results,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ArchiveURI  string                 `json:"archiveUri,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	GeneratedAt *time.Time             `json:"generatedAt,omitempty"`
	ExpiresAt   *time.Time             `json:"expiresAt,omitempty"`
}

// User is the slice of the external account record analytics needs
type User struct {
	TenantID  string    `json:"tenantId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProductStats is per-product funnel activity
type ProductStats struct {
	ProductID string  `json:"productId"`
	Views     int64   `json:"views"`
	AddToCart int64   `json:"addToCart"`
	Purchases int64   `json:"purchases"`
	Revenue   float64 `json:"revenue"`
}

// ScreenStats is per-screen view activity
type ScreenStats struct {
	ScreenName  string  `json:"screenName"`
	Views       int64   `json:"views"`
	UniqueUsers int64   `json:"uniqueUsers"`
	AvgDuration float64 `json:"avgDuration"`
}
