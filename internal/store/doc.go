// Package store provides SQLite-backed persistence for formulabench.
//
// The store keeps:
//   - Formulas: metadata of every activated formula, keyed by id
//   - Rows: the last saved snapshot of each formula's rows
//   - Cell updates: append-only log of user edits
//   - Calculations: append-only log of calculation attempts
//
// The two logs mirror the in-memory tracker; *Store implements
// tracker.Sink so the tracker can forward every event here.
//
// # Critical Patterns
//
// Logical Time:
//   - Log queries order by seq ASC, id ASC COLLATE BINARY, never timestamps
//
// Canonical JSON:
//   - Values and results are stored as RFC 8785 canonical JSON (ir.MarshalCanonical)
//   - An undefined value is SQL NULL; an explicit null is the JSON text null
//
// Idempotent Appends:
//   - Events are inserted with ON CONFLICT(id) DO NOTHING
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Rows cascade with their formula
package store
