// Package stores persists experiment diagnostics in SQLite: run reports,
// resource state transitions, end-of-run resource snapshots and telemetry
// events. SQLiteStore implements engine.Recorder so a controller can write
// to it directly. Schema migrations are embedded and applied with
// golang-migrate.
package stores
