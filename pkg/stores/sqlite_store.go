package stores

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/testbed/pkg/engine"
	"github.com/openfroyo/testbed/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// memoryPath selects a private in-memory database.
const memoryPath = ":memory:"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger *telemetry.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Logger receives failures of the event sink. Nil discards them.
	Logger *telemetry.Logger
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: logger.NewComponentLogger("store"),
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordExperiment inserts or updates the summary of an experiment run.
func (s *SQLiteStore) RecordExperiment(ctx context.Context, report *engine.Report) error {
	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	var completedAt *time.Time
	if !report.CompletedAt.IsZero() {
		completedAt = &report.CompletedAt
	}
	var errMsg *string
	if report.Error != "" {
		errMsg = &report.Error
	}

	query := `
		INSERT INTO experiments (
			id, name, status, started_at, completed_at, duration_ns,
			total, ready, failed, reschedules, error, report, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ns = excluded.duration_ns,
			total = excluded.total,
			ready = excluded.ready,
			failed = excluded.failed,
			reschedules = excluded.reschedules,
			error = excluded.error,
			report = excluded.report,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	_, err = s.db.ExecContext(ctx, query,
		report.ExperimentID,
		report.Name,
		report.Status,
		report.StartedAt,
		completedAt,
		int64(report.Duration),
		report.Summary.Total,
		report.Summary.Ready,
		report.Summary.Failed,
		report.Summary.Reschedules,
		errMsg,
		string(blob),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to record experiment: %w", err)
	}

	return nil
}

// GetExperiment retrieves an experiment by ID.
func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	query := `
		SELECT id, name, status, started_at, completed_at, duration_ns,
			total, ready, failed, reschedules, error, report, created_at, updated_at
		FROM experiments
		WHERE id = ?
	`

	exp, err := scanExperiment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	return exp, nil
}

// ListExperiments lists experiments, most recent first.
func (s *SQLiteStore) ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error) {
	query := `
		SELECT id, name, status, started_at, completed_at, duration_ns,
			total, ready, failed, reschedules, error, report, created_at, updated_at
		FROM experiments
		ORDER BY started_at DESC, created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	experiments := []*Experiment{}
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		experiments = append(experiments, exp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating experiments: %w", err)
	}

	return experiments, nil
}

// DeleteExperiment deletes an experiment with its transitions and snapshots.
func (s *SQLiteStore) DeleteExperiment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}

	return nil
}

// RecordTransition appends a resource state change.
func (s *SQLiteStore) RecordTransition(ctx context.Context, t engine.Transition) error {
	query := `
		INSERT INTO transitions (experiment_id, resource_id, resource_type, from_state, to_state, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var errMsg *string
	if t.Error != "" {
		errMsg = &t.Error
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		t.ExperimentID,
		int64(t.ResourceID),
		string(t.ResourceType),
		string(t.From),
		string(t.To),
		errMsg,
		ts,
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return nil
}

// ListTransitions returns the transitions of an experiment in the order they
// were recorded, optionally restricted to one resource.
func (s *SQLiteStore) ListTransitions(ctx context.Context, experimentID string, resourceID *engine.ResourceID) ([]engine.Transition, error) {
	query := `
		SELECT experiment_id, resource_id, resource_type, from_state, to_state, error, timestamp
		FROM transitions
		WHERE experiment_id = ?
	`
	args := []interface{}{experimentID}
	if resourceID != nil {
		query += " AND resource_id = ?"
		args = append(args, int64(*resourceID))
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []engine.Transition{}
	for rows.Next() {
		var (
			t      engine.Transition
			id     int64
			rtype  string
			from   string
			to     string
			errMsg sql.NullString
		)
		if err := rows.Scan(&t.ExperimentID, &id, &rtype, &from, &to, &errMsg, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.ResourceID = engine.ResourceID(id)
		t.ResourceType = engine.ResourceType(rtype)
		t.From = engine.ResourceState(from)
		t.To = engine.ResourceState(to)
		t.Error = errMsg.String
		transitions = append(transitions, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return transitions, nil
}

// RecordSnapshot replaces the resource snapshot of an experiment.
func (s *SQLiteStore) RecordSnapshot(ctx context.Context, experimentID string, snapshots []engine.ResourceSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM resource_snapshots WHERE experiment_id = ?`, experimentID); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}

	query := `
		INSERT INTO resource_snapshots (
			experiment_id, resource_id, resource_type, state, attributes, error, reschedules, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, snap := range snapshots {
		attrs, err := json.Marshal(snap.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes of resource %d: %w", snap.ID, err)
		}
		var errMsg *string
		if snap.Error != "" {
			errMsg = &snap.Error
		}
		_, err = tx.ExecContext(ctx, query,
			experimentID,
			int64(snap.ID),
			string(snap.Type),
			string(snap.State),
			string(attrs),
			errMsg,
			snap.Reschedules,
			snap.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record snapshot of resource %d: %w", snap.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns the stored snapshot of an experiment ordered by
// resource ID.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, experimentID string) ([]engine.ResourceSnapshot, error) {
	query := `
		SELECT resource_id, resource_type, state, attributes, error, reschedules, updated_at
		FROM resource_snapshots
		WHERE experiment_id = ?
		ORDER BY resource_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []engine.ResourceSnapshot{}
	for rows.Next() {
		var (
			snap   engine.ResourceSnapshot
			id     int64
			rtype  string
			state  string
			attrs  string
			errMsg sql.NullString
		)
		if err := rows.Scan(&id, &rtype, &state, &attrs, &errMsg, &snap.Reschedules, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.ID = engine.ResourceID(id)
		snap.Type = engine.ResourceType(rtype)
		snap.State = engine.ResourceState(state)
		snap.Error = errMsg.String
		if snap.Attributes, err = decodeAttributes(attrs); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of resource %d: %w", id, err)
		}
		snapshots = append(snapshots, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return snapshots, nil
}

// AppendEvent appends a telemetry event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	query := `
		INSERT INTO events (id, experiment_id, resource_id, type, source, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var data *string
	if len(event.Data) > 0 {
		blob, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		str := string(blob)
		data = &str
	}

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		nullable(event.ExperimentID),
		nullable(event.ResourceID),
		event.Type,
		event.Source,
		event.Level,
		event.Message,
		data,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents retrieves events with optional filters, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, experimentID *string, level *string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, experiment_id, resource_id, type, source, level, message, data, timestamp
		FROM events
		WHERE 1=1
	`
	args := []interface{}{}

	if experimentID != nil {
		query += " AND experiment_id = ?"
		args = append(args, *experimentID)
	}
	if level != nil {
		query += " AND level = ?"
		args = append(args, *level)
	}

	query += " ORDER BY timestamp ASC, rowid ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.ExperimentID,
			&event.ResourceID,
			&event.Type,
			&event.Source,
			&event.Level,
			&event.Message,
			&event.Data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// EventSubscriber returns a subscriber that appends every delivered event to
// the store. Failures are logged.
func (s *SQLiteStore) EventSubscriber() telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.AppendEvent(ctx, event); err != nil {
			s.logger.WithError(err).Warnf("dropping event %s", event.Type)
		}
	}
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExperiment(row rowScanner) (*Experiment, error) {
	exp := &Experiment{}
	var (
		status   string
		duration int64
	)
	err := row.Scan(
		&exp.ID,
		&exp.Name,
		&status,
		&exp.StartedAt,
		&exp.CompletedAt,
		&duration,
		&exp.Total,
		&exp.Ready,
		&exp.Failed,
		&exp.Reschedules,
		&exp.Error,
		&exp.Report,
		&exp.CreatedAt,
		&exp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	exp.Status = engine.ExperimentStatus(status)
	exp.Duration = time.Duration(duration)
	return exp, nil
}

// decodeAttributes restores integer attributes as int rather than float64.
func decodeAttributes(blob string) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(blob)))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		n, ok := v.(json.Number)
		if !ok {
			out[k] = v
			continue
		}
		if i, err := n.Int64(); err == nil {
			out[k] = int(i)
		} else if f, err := n.Float64(); err == nil {
			out[k] = f
		} else {
			out[k] = n.String()
		}
	}
	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
