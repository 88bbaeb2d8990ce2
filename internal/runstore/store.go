// Package runstore keeps a Postgres-backed history of clone/follow/switchover
// runs for the daemon's `list runs` / `status` surface. Unlike the
// multi-cluster migration registry this replaces, it tracks a single
// source/destination pair per run — there is no cluster or node to pick
// between, since the CLI and daemon both operate on one --source-uri/
// --target-uri pair at a time.
package runstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Mode string

const (
	ModeClone          Mode = "clone"
	ModeCloneAndFollow Mode = "clone_and_follow"
	ModeFollow         Mode = "follow"
	ModeSwitchover     Mode = "switchover"
)

type Status string

const (
	StatusRunning    Status = "running"
	StatusStreaming  Status = "streaming"
	StatusSwitchover Status = "switchover"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// Run is one clone/follow/switchover invocation against a single source and
// destination database.
type Run struct {
	ID           string     `json:"id"`
	Mode         Mode       `json:"mode"`
	Status       Status     `json:"status"`
	Phase        string     `json:"phase"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SlotName     string     `json:"slot_name"`
	Publication  string     `json:"publication"`
	CopyWorkers  int        `json:"copy_workers"`
	ConfirmedLSN string     `json:"confirmed_lsn,omitempty"`
	TablesTotal  int        `json:"tables_total"`
	TablesCopied int        `json:"tables_copied"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Store is a Postgres-backed run history.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects (reusing an existing pool) and applies pending migrations to
// the run-history bookkeeping schema via golang-migrate, then returns a Store.
func Open(ctx context.Context, pool *pgxpool.Pool, dsn string) (*Store, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate applies any pending runstore schema migrations against dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply runstore migrations: %w", err)
	}
	return nil
}

// NewStore wraps an already-migrated pool. Prefer Open in new code; this is
// kept for callers (and tests) that manage migrations separately.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) List(ctx context.Context) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mode, status, phase, error_message, slot_name, publication, copy_workers,
		       confirmed_lsn, tables_total, tables_copied,
		       started_at, finished_at, created_at, updated_at
		FROM pgcopydb_runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var list []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	if list == nil {
		list = []Run{}
	}
	return list, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (Run, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mode, status, phase, error_message, slot_name, publication, copy_workers,
		       confirmed_lsn, tables_total, tables_copied,
		       started_at, finished_at, created_at, updated_at
		FROM pgcopydb_runs WHERE id = $1
	`, id)
	if err != nil {
		return Run{}, false, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Run{}, false, nil
	}
	r, err := scanRun(rows)
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

// Create inserts a new run in StatusRunning and returns its generated ID.
func (s *Store) Create(ctx context.Context, r Run) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pgcopydb_runs (id, mode, status, slot_name, publication, copy_workers, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, r.ID, r.Mode, StatusRunning, r.SlotName, r.Publication, r.CopyWorkers)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return r.ID, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, phase string, errMsg string) error {
	var finishedAt *time.Time
	switch status {
	case StatusCompleted, StatusFailed, StatusStopped:
		now := time.Now()
		finishedAt = &now
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pgcopydb_runs SET
			status = $2, phase = $3, error_message = $4, updated_at = now(),
			finished_at = COALESCE($5, finished_at)
		WHERE id = $1
	`, id, status, phase, errMsg, finishedAt)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("run not found")
	}
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, id string, phase string, lsn string, tablesTotal, tablesCopied int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pgcopydb_runs SET
			phase = $2, confirmed_lsn = $3, tables_total = $4, tables_copied = $5, updated_at = now()
		WHERE id = $1
	`, id, phase, lsn, tablesTotal, tablesCopied)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("run not found")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pgcopydb_runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("run not found")
	}
	return nil
}

func scanRun(rows pgx.Rows) (Run, error) {
	var r Run
	err := rows.Scan(
		&r.ID, &r.Mode, &r.Status, &r.Phase, &r.ErrorMessage, &r.SlotName, &r.Publication, &r.CopyWorkers,
		&r.ConfirmedLSN, &r.TablesTotal, &r.TablesCopied,
		&r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}
