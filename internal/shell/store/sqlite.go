package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stevedore/stevedore/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Section Operations
// =============================================================================

// stateRow represents one key/value entry in a section.
type stateRow struct {
	Section   string `db:"section"`
	Key       string `db:"key"`
	Value     string `db:"value"`
	UpdatedAt string `db:"updated_at"`
}

func (s *SQLiteStore) SaveSection(ctx context.Context, section string, values map[string]string) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.SaveSection(ctx, section, values)
	})
}

func (s *SQLiteStore) LoadSection(ctx context.Context, section string) (map[string]string, error) {
	return loadSection(ctx, s.db, section)
}

func (s *SQLiteStore) SetValue(ctx context.Context, section, key, value string) error {
	return setValue(ctx, s.db, section, key, value)
}

func (s *SQLiteStore) GetValue(ctx context.Context, section, key string) (string, error) {
	return getValue(ctx, s.db, section, key)
}

func (s *SQLiteStore) DeleteSection(ctx context.Context, section string) error {
	return deleteSection(ctx, s.db, section)
}

// =============================================================================
// Run History Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID           string  `db:"id"`
	TargetHost   string  `db:"target_host"`
	Project      string  `db:"project"`
	Status       string  `db:"status"`
	ErrorMessage string  `db:"error_message"`
	StartedAt    string  `db:"started_at"`
	FinishedAt   *string `db:"finished_at"`
}

func (s *SQLiteStore) RecordRun(ctx context.Context, run domain.Run) error {
	return recordRun(ctx, s.db, run)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]domain.Run, error) {
	return listRuns(ctx, s.db, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) SaveSection(ctx context.Context, section string, values map[string]string) error {
	// Replace the whole section so stale keys from earlier runs disappear.
	if err := deleteSection(ctx, s.tx, section); err != nil {
		return err
	}
	for key, value := range values {
		if err := setValue(ctx, s.tx, section, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *txSQLiteStore) LoadSection(ctx context.Context, section string) (map[string]string, error) {
	return loadSection(ctx, s.tx, section)
}

func (s *txSQLiteStore) SetValue(ctx context.Context, section, key, value string) error {
	return setValue(ctx, s.tx, section, key, value)
}

func (s *txSQLiteStore) GetValue(ctx context.Context, section, key string) (string, error) {
	return getValue(ctx, s.tx, section, key)
}

func (s *txSQLiteStore) DeleteSection(ctx context.Context, section string) error {
	return deleteSection(ctx, s.tx, section)
}

func (s *txSQLiteStore) RecordRun(ctx context.Context, run domain.Run) error {
	return recordRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]domain.Run, error) {
	return listRuns(ctx, s.tx, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func loadSection(ctx context.Context, exec executor, section string) (map[string]string, error) {
	query := `SELECT * FROM state WHERE section = ?`

	var rows []stateRow
	err := exec.SelectContext(ctx, &rows, query, section)
	if err != nil {
		return nil, NewStoreError("LoadSection", "section", section, err.Error(), err)
	}

	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	return values, nil
}

func setValue(ctx context.Context, exec executor, section, key, value string) error {
	query := `
		INSERT INTO state (section, key, value, updated_at)
		VALUES (:section, :key, :value, :updated_at)
		ON CONFLICT (section, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"section":    section,
		"key":        key,
		"value":      value,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SetValue", "section", section, err.Error(), err)
	}
	return nil
}

func getValue(ctx context.Context, exec executor, section, key string) (string, error) {
	query := `SELECT * FROM state WHERE section = ? AND key = ?`

	var row stateRow
	err := exec.GetContext(ctx, &row, query, section, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", NewStoreError("GetValue", "section", section, fmt.Sprintf("key %q not found", key), ErrNotFound)
		}
		return "", NewStoreError("GetValue", "section", section, err.Error(), err)
	}
	return row.Value, nil
}

func deleteSection(ctx context.Context, exec executor, section string) error {
	query := `DELETE FROM state WHERE section = ?`

	if _, err := exec.ExecContext(ctx, query, section); err != nil {
		return NewStoreError("DeleteSection", "section", section, err.Error(), err)
	}
	return nil
}

func recordRun(ctx context.Context, exec executor, run domain.Run) error {
	var finishedAt *string
	if run.FinishedAt != nil {
		s := run.FinishedAt.Format(time.RFC3339)
		finishedAt = &s
	}

	query := `
		INSERT INTO runs (
			id, target_host, project, status, error_message, started_at, finished_at
		) VALUES (
			:id, :target_host, :project, :status, :error_message, :started_at, :finished_at
		)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			finished_at = excluded.finished_at`

	row := map[string]any{
		"id":            run.ID,
		"target_host":   run.TargetHost,
		"project":       run.Project,
		"status":        string(run.Status),
		"error_message": run.Error,
		"started_at":    run.StartedAt.Format(time.RFC3339),
		"finished_at":   finishedAt,
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("RecordRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func getRun(ctx context.Context, exec executor, id string) (domain.Run, error) {
	query := `SELECT * FROM runs WHERE id = ?`

	var row runRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return domain.Run{}, NewStoreError("GetRun", "run", id, err.Error(), err)
	}

	return rowToRun(&row), nil
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]domain.Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`

	var rows []runRow
	err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]domain.Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, rowToRun(&row))
	}
	return runs, nil
}

// =============================================================================
// Row Conversion Functions
// =============================================================================

// rowToRun converts a database row to a domain.Run.
func rowToRun(row *runRow) domain.Run {
	startedAt, _ := time.Parse(time.RFC3339, row.StartedAt)

	var finishedAt *time.Time
	if row.FinishedAt != nil && *row.FinishedAt != "" {
		t, _ := time.Parse(time.RFC3339, *row.FinishedAt)
		finishedAt = &t
	}

	return domain.Run{
		ID:         row.ID,
		TargetHost: row.TargetHost,
		Project:    row.Project,
		Status:     domain.RunStatus(row.Status),
		Error:      row.ErrorMessage,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
}
