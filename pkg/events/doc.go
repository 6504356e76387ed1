// Package events defines the behavioral event model accepted by the ingestion path.
//
// # Overview
//
// An Event is an immutable fact reported by a client application: a screen view, a product view,
// a cart change, a purchase and so on. Every event is scoped to a tenant and carries the device and
// session that produced it. The set of event types is closed; anything outside it is rejected.
//
// # Validation
//
// The Validator checks the required fields (tenant, device, session, event type) and clips long
// free-text fields to their storage bounds instead of rejecting the event:
//
//	v := events.NewValidator()
//	if err := v.Validate(evt); err != nil {
//		var verr *events.ValidationError
//		if errors.As(err, &verr) {
//			// reject synchronously, never enqueue
//		}
//	}
//
// # Enrichment
//
// Enrichment runs after validation and is best-effort. It classifies the user agent into a coarse
// device type, browser and OS, and optionally resolves a location from the client address through a
// GeoLocator. A failed enrichment leaves the fields empty and never fails ingestion.
package events
