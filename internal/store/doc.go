// Package store persists the bridge's translation layer between Matrix and
// Zulip identifiers.
//
// # Entities
//
// Six logical entities are kept:
//
//   - Organization: a connected Zulip realm and its API credentials
//   - RoomMapping: Matrix room <-> (organization, stream, optional topic)
//   - UserMapping: Matrix ghost user <-> Zulip user
//   - MessageMapping: one relayed message, keyed uniquely on both sides
//   - ReactionMapping: one relayed reaction, with a synthetic Zulip-side ID
//   - ProcessedEvent: idempotency ledger swept by retention
//
// Each entity is exposed as an independent interface on the Database handle;
// the bridge core depends only on those interfaces.
//
// # Semantics
//
// Lookups by unique keys return (nil, nil) when no row exists — a missing
// mapping is an expected state, not an error. Mutations against missing rows
// return ErrNotFound, except the reaction deletes, which report an affected
// count so removing a never-mapped reaction stays a no-op.
//
// # Backends
//
// One sqlx implementation serves both supported backends: sqlite
// (modernc.org/sqlite, WAL mode, foreign keys on) and postgres (pgx stdlib).
// Queries are written with ? placeholders and rebound per driver. Timestamps
// are stored as RFC3339 UTC text so lexicographic order matches
// chronological order. "mysql" is recognized in configuration but rejected
// with ErrNotImplemented.
package store
