package sql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/bcnelson/vultr-fw-sync/internal/domain"
	"github.com/bcnelson/vultr-fw-sync/internal/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Ensure Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

// New creates a new SQL store and applies pending migrations.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Run migrations
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = `id, group_name, group_id, current_ip, status, phase, error,
	deleted_count, delete_failures, created_count, dry_run, started_at, finished_at`

// CreateRun inserts a run record.
func (s *Store) CreateRun(ctx context.Context, run *domain.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.GroupName, run.GroupID, run.CurrentIP, run.Status, run.Phase, run.Error,
		run.DeletedCount, run.DeleteFailures, run.CreatedCount, run.DryRun,
		run.StartedAt.UTC(), run.FinishedAt.UTC())
	return wrapUniqueError(err)
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.RunRecord, error) {
	var run domain.RunRecord
	err := s.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetLatestRun returns the most recently started run.
func (s *Store) GetLatestRun(ctx context.Context) (*domain.RunRecord, error) {
	var run domain.RunRecord
	err := s.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*domain.RunRecord, error) {
	runs := []*domain.RunRecord{}
	err := s.db.SelectContext(ctx, &runs,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	return runs, nil
}
