// Package journal keeps an operational history of the comms manager in a
// SQLite database: process launches and exits, DAC connectivity changes,
// silence alarms and configuration reloads.
//
// The schema lives in schema.sql and is applied on first open. When the
// schema changes, bump schemaVersion; older databases are rejected with
// ErrSchemaMismatch and must be deleted.
package journal
