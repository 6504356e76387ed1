package events

import (
	"context"
	"net"
	"strings"
	"time"
)

// Device classes produced by user agent classification
const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
	DeviceBot     = "bot"
	DeviceUnknown = "unknown"
)

// Location is a coarse geolocation guess
type Location struct {
	Country string
	City    string
}

// GeoLocator resolves a network address to a location
type GeoLocator interface {
	Locate(ctx context.Context, ip net.IP) (*Location, error)
}

// Enrichment holds the derived fields for one event
type Enrichment struct {
	DeviceType string
	Browser    string
	OS         string
	Country    string
	City       string
}

// Apply copies the non-empty derived fields onto e
func (en Enrichment) Apply(e *Event) {
	if en.DeviceType != "" {
		e.DeviceType = en.DeviceType
	}
	if en.Browser != "" {
		e.Browser = en.Browser
	}
	if en.OS != "" {
		e.OS = en.OS
	}
	if en.Country != "" {
		e.Country = en.Country
	}
	if en.City != "" {
		e.City = en.City
	}
}

// Enricher derives device and location metadata. A nil GeoLocator disables location lookup.
type Enricher struct {
	geo        GeoLocator
	geoTimeout time.Duration
}

// NewEnricher creates a new enricher
func NewEnricher(geo GeoLocator) *Enricher {
	return &Enricher{geo: geo, geoTimeout: 200 * time.Millisecond}
}

// Enrich derives metadata for e. ok is false when any stage failed; the fields
// that could be derived are still returned.
func (x *Enricher) Enrich(ctx context.Context, e *Event) (en Enrichment, ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	if e.UserAgent != "" {
		en.DeviceType, en.Browser, en.OS = ClassifyUserAgent(e.UserAgent)
	}

	if x.geo == nil || e.IPAddress == "" {
		return en, ok
	}

	ip := net.ParseIP(e.IPAddress)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() {
		return en, ok
	}

	geoCtx, cancel := context.WithTimeout(ctx, x.geoTimeout)
	defer cancel()

	loc, err := x.geo.Locate(geoCtx, ip)
	if err != nil || loc == nil {
		return en, false
	}
	en.Country = loc.Country
	en.City = loc.City
	return en, ok
}

// ClassifyUserAgent returns a coarse device type, browser and OS for a user agent string
func ClassifyUserAgent(ua string) (device, browser, os string) {
	s := strings.ToLower(ua)
	if s == "" {
		return DeviceUnknown, "", ""
	}

	switch {
	case containsAny(s, "bot", "crawler", "spider", "slurp", "curl/", "wget"):
		device = DeviceBot
	case containsAny(s, "ipad", "tablet") || (strings.Contains(s, "android") && !strings.Contains(s, "mobile")):
		device = DeviceTablet
	case containsAny(s, "mobi", "iphone", "ipod", "android", "okhttp", "cfnetwork"):
		device = DeviceMobile
	case containsAny(s, "windows", "macintosh", "x11", "linux", "cros"):
		device = DeviceDesktop
	default:
		device = DeviceUnknown
	}

	// Order matters: Edge and Opera include "chrome", Chrome includes "safari"
	switch {
	case containsAny(s, "edg/", "edge/"):
		browser = "Edge"
	case containsAny(s, "opr/", "opera"):
		browser = "Opera"
	case containsAny(s, "samsungbrowser"):
		browser = "Samsung Internet"
	case containsAny(s, "firefox/", "fxios"):
		browser = "Firefox"
	case containsAny(s, "chrome/", "crios"):
		browser = "Chrome"
	case strings.Contains(s, "safari/"):
		browser = "Safari"
	case containsAny(s, "okhttp", "cfnetwork", "dalvik"):
		browser = "App"
	}

	switch {
	case containsAny(s, "iphone", "ipad", "ipod", "ios"):
		os = "iOS"
	case strings.Contains(s, "android"):
		os = "Android"
	case strings.Contains(s, "windows"):
		os = "Windows"
	case containsAny(s, "mac os", "macintosh"):
		os = "macOS"
	case strings.Contains(s, "cros"):
		os = "ChromeOS"
	case strings.Contains(s, "linux"):
		os = "Linux"
	}

	return device, browser, os
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
