// Package storage defines the persistence contract for the analytics core.
//
// # Overview
//
// Five entities make up the contract: the immutable Event log, mutable Session records, and the
// derived Aggregate, Cohort and Funnel rows, plus Report records assembled for export. Every
// entity is scoped by tenant.
//
// # Write Semantics
//
// Writers never take explicit locks. Each derived row has a natural key and is written by
// "compute fully, then overwrite":
//
//   - Aggregate: unique on (tenant, date, type); UpsertAggregate overwrites every field
//   - Cohort: unique on (tenant, type, date); UpsertCohort replaces the analysis
//   - Session: unique on (tenant, session id); a duplicate start only refreshes liveness
//   - Event: unique on id; a redelivered insert is a no-op
//
// This makes concurrent recomputation safe by overwrite rather than by exclusion.
//
// # Backend Implementations
//
//   - storage/memory: maps guarded by a mutex, for development and tests
//   - storage/postgres: PostgreSQL via lib/pq with ON CONFLICT upserts
//
// # Errors
//
// ErrNotFound is returned for unknown sessions, cohorts, funnels and reports. Driver failures
// that are worth retrying are wrapped in TransientError; use IsTransient to classify:
//
//	if storage.IsTransient(err) {
//		// retry with backoff
//	}
package storage
