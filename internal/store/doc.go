// Package store provides the SQLite reference backend for livesync.
//
// It implements the engine's transport handler pair against a local
// database, so scenarios and the CLI can exercise the engine end to end
// without a real server. It plays the server; it is not an offline store.
//
// The schema holds:
//   - Records: one row per (table, id), data as canonical JSON
//   - Applied mutations: idempotency log keyed by mutation ID
//
// # Critical Patterns
//
// Idempotent Writes:
//   - applied_mutations.id is the primary key
//   - Replaying a mutation ID returns the stored result and changes nothing
//
// Deterministic Query Results:
//   - All reads use ORDER BY seq ASC, id ASC COLLATE BINARY
//   - seq is the backend's own write counter, never wall time
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Stored JSON uses RFC 8785 canonical form from internal/ir.
package store
