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
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/agentbox/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	cfg      Config
	redactor engine.Redactor
	logger   zerolog.Logger
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Redactor scrubs excerpts, messages and warnings before they are written.
	Redactor engine.Redactor

	// Logger is the base logger.
	Logger zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.Path == ":memory:" {
		// every connection would otherwise see its own empty database
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	s := &SQLiteStore{
		cfg:      cfg,
		redactor: cfg.Redactor,
		logger:   cfg.Logger.With().Str("component", "stores").Logger(),
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

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
	s.logger.Debug().Str("path", s.cfg.Path).Msg("Run history opened")
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

func (s *SQLiteStore) redact(v string) string {
	if s.redactor == nil {
		return v
	}
	return s.redactor.Redact(v)
}

func (s *SQLiteStore) redactPtr(v string) *string {
	if v == "" {
		return nil
	}
	r := s.redact(v)
	return &r
}

// SaveReport records a finished run and its module results in one transaction.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.Report, meta RunMeta) error {
	if report == nil || report.RunID == "" {
		return fmt.Errorf("report with a run id is required")
	}

	selection, err := json.Marshal(meta.Selection)
	if err != nil {
		return fmt.Errorf("failed to encode selection: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, manifest, manifest_path, state, exit_code, dry_run, selection, abort_reason,
			total, succeeded, failed, skipped, started_at, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.Manifest,
		meta.ManifestPath,
		string(report.State),
		report.ExitCode,
		report.DryRun,
		string(selection),
		s.redactPtr(report.AbortReason),
		report.Summary.Total,
		report.Summary.Succeeded,
		report.Summary.Failed,
		report.Summary.Skipped(),
		report.StartedAt.UTC(),
		report.Duration.Milliseconds(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO module_results (
			run_id, module_id, phase, status, action_taken, optional, attempts, warnings,
			error_class, error_code, error_step, error_message, exit_code, excerpt,
			started_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare module insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range report.Results {
		warnings := make([]string, len(r.Warnings))
		for i, w := range r.Warnings {
			warnings[i] = s.redact(w)
		}
		warningsJSON, err := json.Marshal(warnings)
		if err != nil {
			return fmt.Errorf("failed to encode warnings: %w", err)
		}

		var (
			class, code, step, message, excerpt *string
			exitCode                            *int
		)
		if ec := r.Error; ec != nil {
			c := string(ec.Class)
			class = &c
			code = nullable(ec.Code)
			step = s.redactPtr(ec.Step)
			message = s.redactPtr(ec.Message)
			excerpt = s.redactPtr(ec.Excerpt)
			exit := ec.ExitCode
			exitCode = &exit
		}
		var startedAt *time.Time
		if !r.StartedAt.IsZero() {
			t := r.StartedAt.UTC()
			startedAt = &t
		}

		if _, err := stmt.ExecContext(ctx,
			report.RunID,
			r.ModuleID,
			r.Phase,
			string(r.Status),
			r.ActionTaken,
			r.Optional,
			r.Attempts,
			string(warningsJSON),
			class,
			code,
			step,
			message,
			exitCode,
			excerpt,
			startedAt,
			r.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("failed to insert result for %s: %w", r.ModuleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	s.logger.Debug().
		Str("run_id", report.RunID).
		Int("modules", len(report.Results)).
		Msg("Run recorded")
	return nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

const runColumns = `id, manifest, manifest_path, state, exit_code, dry_run, selection, abort_reason,
	total, succeeded, failed, skipped, started_at, duration_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var durationMS int64
	var state string
	err := row.Scan(
		&run.ID,
		&run.Manifest,
		&run.ManifestPath,
		&state,
		&run.ExitCode,
		&run.DryRun,
		&run.Selection,
		&run.AbortReason,
		&run.Total,
		&run.Succeeded,
		&run.Failed,
		&run.Skipped,
		&run.StartedAt,
		&durationMS,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.State = engine.RunState(state)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
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

// DeleteRunsBefore prunes runs started before cutoff, with their module results.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

const resultColumns = `r.run_id, r.module_id, r.phase, r.status, r.action_taken, r.optional, r.attempts,
	r.warnings, r.error_class, r.error_code, r.error_step, r.error_message, r.exit_code, r.excerpt,
	r.started_at, r.duration_ms`

func scanResults(rows *sql.Rows) ([]*ModuleResult, error) {
	defer rows.Close()

	results := []*ModuleResult{}
	for rows.Next() {
		r := &ModuleResult{}
		var (
			status     string
			warnings   string
			startedAt  sql.NullTime
			durationMS int64
		)
		if err := rows.Scan(
			&r.RunID,
			&r.ModuleID,
			&r.Phase,
			&status,
			&r.ActionTaken,
			&r.Optional,
			&r.Attempts,
			&warnings,
			&r.ErrorClass,
			&r.ErrorCode,
			&r.ErrorStep,
			&r.ErrorMessage,
			&r.ExitCode,
			&r.Excerpt,
			&startedAt,
			&durationMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan module result: %w", err)
		}
		r.Status = engine.ModuleStatus(status)
		if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings: %w", err)
		}
		if startedAt.Valid {
			t := startedAt.Time
			r.StartedAt = &t
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating module results: %w", err)
	}
	return results, nil
}

// ListModuleResults returns a run's module results in phase order.
func (s *SQLiteStore) ListModuleResults(ctx context.Context, runID string) ([]*ModuleResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM module_results r WHERE r.run_id = ? ORDER BY r.phase, r.module_id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module results: %w", err)
	}
	return scanResults(rows)
}

// ModuleHistory returns a module's most recent results across runs.
func (s *SQLiteStore) ModuleHistory(ctx context.Context, moduleID string, limit int) ([]*ModuleResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+`
		FROM module_results r
		JOIN runs ON runs.id = r.run_id
		WHERE r.module_id = ?
		ORDER BY runs.started_at DESC
		LIMIT ?
	`, moduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query module history: %w", err)
	}
	return scanResults(rows)
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
