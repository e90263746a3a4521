package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/Chaztikov/uncertainpy/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run or output does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// KeepEvaluations stores the per-node values of every output alongside its statistics.
	KeepEvaluations bool
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

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

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const runColumns = `id, name, method, state, uncertain, nodes, succeeded, failed, cancelled,
	options, diagnostics, policy, error, started_at, completed_at, created_at, updated_at`

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if err := upsertRun(ctx, s.db, run, false); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func upsertRun(ctx context.Context, db execer, run *Run, replace bool) error {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.Uncertain == "" {
		run.Uncertain = "[]"
	}
	if run.Options == "" {
		run.Options = "{}"
	}
	if run.Diagnostics == "" {
		run.Diagnostics = "{}"
	}

	query := `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if replace {
		query += `
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, method = excluded.method, state = excluded.state,
			uncertain = excluded.uncertain, nodes = excluded.nodes, succeeded = excluded.succeeded,
			failed = excluded.failed, cancelled = excluded.cancelled, options = excluded.options,
			diagnostics = excluded.diagnostics, policy = excluded.policy, error = excluded.error,
			started_at = excluded.started_at, completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`
	}

	_, err := db.ExecContext(ctx, query,
		run.ID,
		run.Name,
		run.Method,
		run.State,
		run.Uncertain,
		run.Nodes,
		run.Succeeded,
		run.Failed,
		run.Cancelled,
		run.Options,
		run.Diagnostics,
		run.Policy,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
		run.UpdatedAt,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Name,
		&run.Method,
		&run.State,
		&run.Uncertain,
		&run.Nodes,
		&run.Succeeded,
		&run.Failed,
		&run.Cancelled,
		&run.Options,
		&run.Diagnostics,
		&run.Policy,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRunState updates the state of a run. Terminal states stamp completed_at.
func (s *SQLiteStore) UpdateRunState(ctx context.Context, id string, state engine.RunState, errMsg *string) error {
	if err := state.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE runs
		SET state = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	var completedAt *time.Time
	if state.IsTerminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, state, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListRuns lists runs, newest first, optionally only those of one study.
func (s *SQLiteStore) ListRuns(ctx context.Context, name *string, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE (? IS NULL OR name = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, name, name, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run with its outputs, failures and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return s.CommitTx(tx)
}

const outputColumns = `id, run_id, position, name, kind, status, record, missing, errored, error, created_at`

func scanOutput(row scanner) (*Output, error) {
	out := &Output{}
	err := row.Scan(
		&out.ID,
		&out.RunID,
		&out.Position,
		&out.Name,
		&out.Kind,
		&out.Status,
		&out.Record,
		&out.Missing,
		&out.Errored,
		&out.Error,
		&out.CreatedAt,
	)
	return out, err
}

// ListOutputs lists the outputs of a run in result order.
func (s *SQLiteStore) ListOutputs(ctx context.Context, runID string) ([]*Output, error) {
	query := `SELECT ` + outputColumns + ` FROM outputs WHERE run_id = ? ORDER BY position`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	defer rows.Close()

	outputs := []*Output{}
	for rows.Next() {
		out, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		outputs = append(outputs, out)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outputs: %w", err)
	}

	return outputs, nil
}

// GetOutput retrieves one output of a run.
func (s *SQLiteStore) GetOutput(ctx context.Context, runID, name string) (*Output, error) {
	query := `SELECT ` + outputColumns + ` FROM outputs WHERE run_id = ? AND name = ?`

	out, err := scanOutput(s.db.QueryRowContext(ctx, query, runID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("output %s of run %s: %w", name, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get output: %w", err)
	}
	return out, nil
}

// DecodeRecord returns the engine record stored in an output.
func (o *Output) DecodeRecord() (*engine.Record, error) {
	var rec engine.Record
	if err := json.Unmarshal([]byte(o.Record), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", o.Name, err)
	}
	return &rec, nil
}

// ListFailures lists the failures of a run, optionally of one kind.
func (s *SQLiteStore) ListFailures(ctx context.Context, runID string, kind *FailureKind) ([]*Failure, error) {
	query := `
		SELECT id, run_id, kind, node, name, assignment, error, created_at
		FROM failures
		WHERE run_id = ? AND (? IS NULL OR kind = ?)
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	failures := []*Failure{}
	for rows.Next() {
		f := &Failure{}
		err := rows.Scan(&f.ID, &f.RunID, &f.Kind, &f.Node, &f.Name, &f.Assignment, &f.Error, &f.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		failures = append(failures, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failures: %w", err)
	}

	return failures, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, run_id, type, level, output, node, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		event.Type,
		event.Level,
		event.Output,
		event.Node,
		event.Message,
		event.Data,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events in the order they were appended.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, type, level, output, node, message, data, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR type = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.Type, filter.Type,
		filter.Level, filter.Level,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.Type,
			&event.Level,
			&event.Output,
			&event.Node,
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

// SaveResults stores the summary, records and failures of an estimation in one
// transaction. A run created earlier with CreateRun is updated in place. runErr is the
// error Run returned, if any.
func (s *SQLiteStore) SaveResults(ctx context.Context, name string, opts engine.Options, results *engine.Results, runErr error) error {
	if results == nil {
		return fmt.Errorf("no results to save")
	}

	run, err := s.runFromResults(name, opts, results, runErr)
	if err != nil {
		return err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertRun(ctx, tx, run, true); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	for _, q := range []string{`DELETE FROM outputs WHERE run_id = ?`, `DELETE FROM failures WHERE run_id = ?`} {
		if _, err := tx.ExecContext(ctx, q, run.ID); err != nil {
			return fmt.Errorf("failed to clear previous results: %w", err)
		}
	}

	if err := s.saveOutputs(ctx, tx, results); err != nil {
		return err
	}
	if err := saveFailures(ctx, tx, results); err != nil {
		return err
	}

	if err := s.CommitTx(tx); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	return nil
}

func (s *SQLiteStore) runFromResults(name string, opts engine.Options, results *engine.Results, runErr error) (*Run, error) {
	diag := results.Diagnostics()

	uncertain, err := json.Marshal(results.UncertainParameters())
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	options, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}
	diagnostics, err := json.Marshal(diag)
	if err != nil {
		return nil, fmt.Errorf("failed to encode diagnostics: %w", err)
	}

	run := &Run{
		ID:          results.RunID(),
		Name:        name,
		Method:      string(results.Method()),
		State:       results.State(),
		Uncertain:   string(uncertain),
		Nodes:       results.Nodes(),
		Succeeded:   diag.SucceededNodes,
		Failed:      diag.FailedNodes,
		Cancelled:   diag.CancelledNodes,
		Options:     string(options),
		Diagnostics: string(diagnostics),
		StartedAt:   results.StartedAt(),
	}
	if report := results.Policy(); report != nil {
		b, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("failed to encode policy report: %w", err)
		}
		run.Policy = stringPtr(string(b))
	}
	if runErr != nil {
		run.Error = stringPtr(runErr.Error())
	}
	if d := results.Duration(); d > 0 {
		completed := results.StartedAt().Add(d)
		run.CompletedAt = &completed
	}
	return run, nil
}

func (s *SQLiteStore) saveOutputs(ctx context.Context, tx *sql.Tx, results *engine.Results) error {
	query := `INSERT INTO outputs (run_id, position, name, kind, status, record, missing, errored, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now()
	for i, name := range results.Names() {
		rec, _ := results.Get(name)
		stored := *rec
		if !s.cfg.KeepEvaluations {
			stored.Evaluations = nil
			stored.NodeIndex = nil
		}
		b, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", name, err)
		}

		var errMsg *string
		if rec.Error != "" {
			errMsg = stringPtr(rec.Error)
		}
		if _, err := tx.ExecContext(ctx, query,
			results.RunID(), i, rec.Name, rec.Kind, rec.Status, string(b),
			rec.Missing, rec.Errored, errMsg, now,
		); err != nil {
			return fmt.Errorf("failed to save output %s: %w", name, err)
		}
	}
	return nil
}

func saveFailures(ctx context.Context, tx *sql.Tx, results *engine.Results) error {
	query := `INSERT INTO failures (run_id, kind, node, name, assignment, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	now := time.Now()
	insert := func(kind FailureKind, node *int, name *string, assignment map[string]float64, msg string) error {
		var a *string
		if assignment != nil {
			b, err := json.Marshal(assignment)
			if err != nil {
				return fmt.Errorf("failed to encode assignment: %w", err)
			}
			a = stringPtr(string(b))
		}
		if _, err := tx.ExecContext(ctx, query, results.RunID(), kind, node, name, a, msg, now); err != nil {
			return fmt.Errorf("failed to save %s failure: %w", kind, err)
		}
		return nil
	}

	diag := results.Diagnostics()
	for _, f := range diag.NodeFailures {
		if err := insert(FailureKindNode, intPtr(f.Index), nil, f.Assignment, f.Error); err != nil {
			return err
		}
	}
	for _, f := range diag.FeatureFailures {
		if err := insert(FailureKindFeature, intPtr(f.Node), stringPtr(f.Feature), f.Assignment, f.Error); err != nil {
			return err
		}
	}
	for _, f := range diag.OutputFailures {
		if err := insert(FailureKindOutput, nil, stringPtr(f.Output), nil, f.Error); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func stringPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }
