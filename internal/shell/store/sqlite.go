package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

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
	// Open database connection
	db, err := sqlx.Open("sqlite3", withParams(dsn, "_foreign_keys=on", "_busy_timeout=5000"))
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// One connection: writers are serialized and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

func withParams(dsn string, params ...string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
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
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID                string `db:"id"`
	Target            string `db:"target"`
	Host              string `db:"host"`
	RemotePath        string `db:"remote_path"`
	Project           string `db:"project"`
	Revision          string `db:"revision"`
	Trigger           string `db:"triggered_by"`
	Success           bool   `db:"success"`
	FinalState        string `db:"final_state"`
	FailedState       string `db:"failed_state"`
	Reason            string `db:"reason"`
	ErrorKind         string `db:"error_kind"`
	FilesTransferred  int    `db:"files_transferred"`
	BytesTransferred  int64  `db:"bytes_transferred"`
	DeletedRemoteOnly int    `db:"deleted_remote_only"`
	Services          string `db:"services"`
	StartedAt         string `db:"started_at"`
	FinishedAt        string `db:"finished_at"`
}

func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run) error {
	return recordRun(ctx, s.db, run)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	return listRuns(ctx, s.db, opts)
}

func (s *SQLiteStore) PruneRuns(ctx context.Context, target string, keep int) (int, error) {
	return pruneRuns(ctx, s.db, target, keep)
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

func (s *txSQLiteStore) RecordRun(ctx context.Context, run *Run) error {
	return recordRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	return listRuns(ctx, s.tx, opts)
}

func (s *txSQLiteStore) PruneRuns(ctx context.Context, target string, keep int) (int, error) {
	return pruneRuns(ctx, s.tx, target, keep)
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

func recordRun(ctx context.Context, exec executor, run *Run) error {
	if run.ID == "" {
		return NewStoreError("RecordRun", "run", "", "run ID is required", ErrInvalidData)
	}

	services := run.Services
	if services == nil {
		services = []domain.ServiceStatus{}
	}
	servicesJSON, err := json.Marshal(services)
	if err != nil {
		return NewStoreError("RecordRun", "run", run.ID, "failed to serialize services", ErrInvalidData)
	}

	trigger := run.Trigger
	if trigger == "" {
		trigger = TriggerCLI
	}

	query := `
		INSERT INTO runs (
			id, target, host, remote_path, project, revision, triggered_by,
			success, final_state, failed_state, reason, error_kind,
			files_transferred, bytes_transferred, deleted_remote_only,
			services, started_at, finished_at
		) VALUES (
			:id, :target, :host, :remote_path, :project, :revision, :triggered_by,
			:success, :final_state, :failed_state, :reason, :error_kind,
			:files_transferred, :bytes_transferred, :deleted_remote_only,
			:services, :started_at, :finished_at
		)`

	row := runRow{
		ID:                run.ID,
		Target:            run.Target,
		Host:              run.Host,
		RemotePath:        run.RemotePath,
		Project:           run.Project,
		Revision:          run.Revision,
		Trigger:           trigger,
		Success:           run.Success,
		FinalState:        string(run.FinalState),
		FailedState:       string(run.FailedState),
		Reason:            run.Reason,
		ErrorKind:         run.ErrorKind,
		FilesTransferred:  run.FilesTransferred,
		BytesTransferred:  run.BytesTransferred,
		DeletedRemoteOnly: run.DeletedRemoteOnly,
		Services:          string(servicesJSON),
		StartedAt:         formatTime(run.StartedAt),
		FinishedAt:        formatTime(run.FinishedAt),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("RecordRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("RecordRun", "run", run.ID, err.Error(), ErrQueryFailed)
	}
	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*Run, error) {
	query := `SELECT * FROM runs WHERE id = ?`

	var row runRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), ErrQueryFailed)
	}

	return rowToRun(&row)
}

// listRuns returns runs newest first.
func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]Run, error) {
	opts = opts.Normalize()

	var where []string
	var args []any
	if opts.Target != "" {
		where = append(where, "target = ?")
		args = append(args, opts.Target)
	}
	if opts.FailedOnly {
		where = append(where, "success = 0")
	}

	query := `SELECT * FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []runRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), ErrQueryFailed)
	}

	runs := make([]Run, 0, len(rows))
	for i := range rows {
		run, err := rowToRun(&rows[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// pruneRuns deletes all but the newest keep runs of target. keep <= 0
// disables pruning.
func pruneRuns(ctx context.Context, exec executor, target string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	query := `
		DELETE FROM runs
		WHERE target = ? AND id NOT IN (
			SELECT id FROM runs WHERE target = ?
			ORDER BY started_at DESC, id DESC
			LIMIT ?
		)`

	result, err := exec.ExecContext(ctx, query, target, target, keep)
	if err != nil {
		return 0, NewStoreError("PruneRuns", "run", "", err.Error(), ErrQueryFailed)
	}
	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected), nil
}

func rowToRun(row *runRow) (*Run, error) {
	var services []domain.ServiceStatus
	if row.Services != "" {
		if err := json.Unmarshal([]byte(row.Services), &services); err != nil {
			return nil, NewStoreError("rowToRun", "run", row.ID, "failed to parse services", ErrInvalidData)
		}
	}

	startedAt, err := parseTime(row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "failed to parse started_at", ErrInvalidData)
	}
	finishedAt, err := parseTime(row.FinishedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "failed to parse finished_at", ErrInvalidData)
	}

	return &Run{
		ID:                row.ID,
		Target:            row.Target,
		Host:              row.Host,
		RemotePath:        row.RemotePath,
		Project:           row.Project,
		Revision:          row.Revision,
		Trigger:           row.Trigger,
		Success:           row.Success,
		FinalState:        domain.State(row.FinalState),
		FailedState:       domain.State(row.FailedState),
		Reason:            row.Reason,
		ErrorKind:         row.ErrorKind,
		FilesTransferred:  row.FilesTransferred,
		BytesTransferred:  row.BytesTransferred,
		DeletedRemoteOnly: row.DeletedRemoteOnly,
		Services:          services,
		StartedAt:         startedAt,
		FinishedAt:        finishedAt,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
