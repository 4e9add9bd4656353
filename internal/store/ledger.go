package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical-ai/pagevision/internal/domain"
)

// ErrNotFound is returned when a ledger record does not exist.
var ErrNotFound = errors.New("record not found")

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Run records one processing run in the ledger.
type Run struct {
	ID               uuid.UUID
	Source           string
	StartPage        int
	EndPage          int
	Mode             string
	Language         string
	Engine           string
	Model            string
	Status           string
	ConsolidatedPath string
	PagesDone        int
	PagesTotal       int
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OpenLedger opens the sqlite ledger at path, creating the schema if needed.
func OpenLedger(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, domain.IOError("Failed to open ledger database", err)
	}
	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the ledger schema if it does not exist.
func Migrate(ctx context.Context, db DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			start_page INTEGER NOT NULL,
			end_page INTEGER NOT NULL,
			mode TEXT NOT NULL,
			language TEXT NOT NULL,
			engine TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			consolidated_path TEXT NOT NULL DEFAULT '',
			pages_done INTEGER NOT NULL DEFAULT 0,
			pages_total INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return domain.IOError("Failed to migrate ledger schema", err)
	}
	return nil
}

// RunRepository handles run ledger operations.
type RunRepository struct {
	db DB
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create records a new run.
func (r *RunRepository) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt

	query := `
		INSERT INTO runs (id, source, start_page, end_page, mode, language, engine, model,
			status, consolidated_path, pages_done, pages_total, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.Source, run.StartPage, run.EndPage, run.Mode, run.Language,
		run.Engine, run.Model, run.Status, run.ConsolidatedPath,
		run.PagesDone, run.PagesTotal, run.Error, run.CreatedAt, run.UpdatedAt,
	)
	return err
}

// UpdateStatus sets the status of a run.
func (r *RunRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, status, time.Now(), id)
	return err
}

// UpdateProgress sets the page counts for a run.
func (r *RunRepository) UpdateProgress(ctx context.Context, id uuid.UUID, pagesDone, pagesTotal int) error {
	query := `UPDATE runs SET pages_done = ?, pages_total = ?, updated_at = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, pagesDone, pagesTotal, time.Now(), id)
	return err
}

// Complete records the terminal state of a run.
func (r *RunRepository) Complete(ctx context.Context, id uuid.UUID, status, consolidatedPath, errMsg string) error {
	query := `
		UPDATE runs SET status = ?, consolidated_path = ?, error = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query, status, consolidatedPath, errMsg, time.Now(), id)
	return err
}

// GetByID retrieves a run by ID.
func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	query := `
		SELECT id, source, start_page, end_page, mode, language, engine, model,
			status, consolidated_path, pages_done, pages_total, error, created_at, updated_at
		FROM runs WHERE id = ?
	`
	run := &Run{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.Source, &run.StartPage, &run.EndPage, &run.Mode, &run.Language,
		&run.Engine, &run.Model, &run.Status, &run.ConsolidatedPath,
		&run.PagesDone, &run.PagesTotal, &run.Error, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// List returns the most recent runs, newest first.
func (r *RunRepository) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, source, start_page, end_page, mode, language, engine, model,
			status, consolidated_path, pages_done, pages_total, error, created_at, updated_at
		FROM runs ORDER BY created_at DESC LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(
			&run.ID, &run.Source, &run.StartPage, &run.EndPage, &run.Mode, &run.Language,
			&run.Engine, &run.Model, &run.Status, &run.ConsolidatedPath,
			&run.PagesDone, &run.PagesTotal, &run.Error, &run.CreatedAt, &run.UpdatedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
