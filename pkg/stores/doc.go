// Package stores keeps agentbox run history in SQLite.
//
// Each finished run is written in one transaction: a row in runs with the
// final state, exit code and summary counts, plus one row per module result.
// Error excerpts, messages and warnings pass through the configured redactor
// before insert, so history never holds what the report itself would not show.
//
// The schema is managed by embedded golang-migrate migrations and the
// database runs in WAL mode through the pure-Go modernc.org/sqlite driver.
package stores
