// Package stores persists estimation results in SQLite.
//
// A stored run keeps its summary (state, node counts, options, diagnostics, policy
// report), one row per output with the record encoded as JSON, one row per node, feature
// or output failure, and the diagnostic event log. The schema is applied with embedded
// golang-migrate migrations; the database runs in WAL mode with foreign keys on, so
// deleting a run removes everything stored for it.
package stores
