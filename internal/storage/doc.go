// Package storage persists the executed-action audit trail and the control
// snapshot (settings, roster, selection) across restarts.
//
// Drivers:
//   - "file": JSON Lines audit plus an atomically replaced state file
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
