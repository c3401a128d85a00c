// Package storage persists subscribers and the delivery ledger.
//
// Drivers:
//   - memory: process-local maps (default; nothing survives a restart)
//   - file: JSON snapshot + append-only JSON Lines journal, compacted periodically
//   - sqlite: a single SQLite database file (modernc.org/sqlite, no cgo)
package storage
