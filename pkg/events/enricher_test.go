package events

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubGeo struct {
	loc   *Location
	err   error
	panic bool
	calls int
}

func (g *stubGeo) Locate(ctx context.Context, ip net.IP) (*Location, error) {
	g.calls++
	if g.panic {
		panic("geo database corrupted")
	}
	return g.loc, g.err
}

func TestClassifyUserAgent(t *testing.T) {
	tests := []struct {
		ua      string
		device  string
		browser string
		os      string
	}{
		{
			ua:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			device:  DeviceMobile,
			browser: "Safari",
			os:      "iOS",
		},
		{
			ua:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36 Edg/120.0",
			device:  DeviceDesktop,
			browser: "Edge",
			os:      "Windows",
		},
		{
			ua:      "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36",
			device:  DeviceMobile,
			browser: "Chrome",
			os:      "Android",
		},
		{
			ua:      "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X) AppleWebKit/605.1.15",
			device:  DeviceTablet,
			os:      "iOS",
		},
		{
			ua:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 14.0; rv:121.0) Gecko/20100101 Firefox/121.0",
			device:  DeviceDesktop,
			browser: "Firefox",
			os:      "macOS",
		},
		{
			ua:     "Googlebot/2.1 (+http://www.google.com/bot.html)",
			device: DeviceBot,
		},
		{
			ua:     "",
			device: DeviceUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.device+"/"+tt.browser, func(t *testing.T) {
			device, browser, os := ClassifyUserAgent(tt.ua)
			assert.Equal(t, tt.device, device)
			assert.Equal(t, tt.browser, browser)
			assert.Equal(t, tt.os, os)
		})
	}
}

func TestEnrich_WithGeo(t *testing.T) {
	geo := &stubGeo{loc: &Location{Country: "DE", City: "Berlin"}}
	e := &Event{UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0", IPAddress: "81.2.69.142"}

	en, ok := NewEnricher(geo).Enrich(context.Background(), e)
	assert.True(t, ok)
	assert.Equal(t, "DE", en.Country)
	assert.Equal(t, "Berlin", en.City)
	assert.Equal(t, DeviceDesktop, en.DeviceType)

	en.Apply(e)
	assert.Equal(t, "Chrome", e.Browser)
	assert.Equal(t, "Berlin", e.City)
}

func TestEnrich_SkipsPrivateAddresses(t *testing.T) {
	geo := &stubGeo{loc: &Location{Country: "DE"}}
	e := &Event{IPAddress: "10.0.0.5"}

	en, ok := NewEnricher(geo).Enrich(context.Background(), e)
	assert.True(t, ok)
	assert.Empty(t, en.Country)
	assert.Equal(t, 0, geo.calls)
}

func TestEnrich_GeoFailureIsNonFatal(t *testing.T) {
	geo := &stubGeo{err: errors.New("lookup timeout")}
	e := &Event{UserAgent: "Mozilla/5.0 (iPhone)", IPAddress: "81.2.69.142"}

	en, ok := NewEnricher(geo).Enrich(context.Background(), e)
	assert.False(t, ok)
	assert.Equal(t, DeviceMobile, en.DeviceType)
	assert.Empty(t, en.Country)
}

func TestEnrich_RecoversFromPanic(t *testing.T) {
	geo := &stubGeo{panic: true}
	e := &Event{IPAddress: "81.2.69.142"}

	assert.NotPanics(t, func() {
		_, ok := NewEnricher(geo).Enrich(context.Background(), e)
		assert.False(t, ok)
	})
}
