// Package snapshotmgr exports or adopts a single source-database
// transaction snapshot and keeps it alive for the duration of a copy
// run so every table-copy worker reads a mutually consistent view.
package snapshotmgr

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// State is the snapshot manager's lifecycle state.
type State string

const (
	StateUnknown  State = "unknown"
	StateExported State = "exported"
	StateSet      State = "set"
	StateSkipped  State = "skipped"
	StateClosed   State = "closed"
)

// Snapshot is the value-copyable handle workers use to join the same
// transaction snapshot: just the id, which a worker passes to
// SET TRANSACTION SNAPSHOT before its first read.
type Snapshot struct {
	ID string
}

// Active reports whether the snapshot should be applied to a worker
// connection. A skipped (non-consistent) run has no snapshot to join.
func (s Snapshot) Active() bool {
	return s.ID != ""
}

// Manager owns the single long-lived connection that holds the
// exported or adopted snapshot open; it must stay connected for the
// full lifetime of the run or the snapshot becomes invalid.
type Manager struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	conn  *pgxpool.Conn
	tx    pgx.Tx
	state State
	id    string
}

// New creates a Manager bound to the source connection pool.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Manager {
	return &Manager{
		pool:   pool,
		logger: logger.With().Str("component", "snapshot-manager").Logger(),
		state:  StateUnknown,
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	return m.state
}

// Prepare implements the snapshot lifecycle's entry step. When
// consistent is false the run proceeds without a shared snapshot and
// the manager moves straight to skipped. Otherwise it either adopts a
// caller-provided snapshot id (repeatable-read read-write deferrable)
// or exports a fresh one (serializable read-write deferrable), and
// persists the id to snapshotPath so a later `--resume` can report it.
func (m *Manager) Prepare(ctx context.Context, consistent bool, snapshotID, snapshotPath string) (Snapshot, error) {
	if !consistent {
		m.state = StateSkipped
		return Snapshot{}, nil
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("acquire snapshot connection: %w", err)
	}

	if snapshotID != "" {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{
			IsoLevel:       pgx.RepeatableRead,
			AccessMode:     pgx.ReadWrite,
			DeferrableMode: pgx.Deferrable,
		})
		if err != nil {
			conn.Release()
			return Snapshot{}, fmt.Errorf("begin repeatable-read transaction: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", snapshotID)); err != nil {
			tx.Rollback(ctx) //nolint:errcheck
			conn.Release()
			return Snapshot{}, fmt.Errorf("set transaction snapshot %q: %w", snapshotID, err)
		}
		m.conn, m.tx, m.id, m.state = conn, tx, snapshotID, StateSet
		m.logger.Info().Str("snapshot", snapshotID).Msg("adopted existing snapshot")
	} else {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{
			IsoLevel:       pgx.Serializable,
			AccessMode:     pgx.ReadWrite,
			DeferrableMode: pgx.Deferrable,
		})
		if err != nil {
			conn.Release()
			return Snapshot{}, fmt.Errorf("begin serializable transaction: %w", err)
		}
		var exported string
		if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot()").Scan(&exported); err != nil {
			tx.Rollback(ctx) //nolint:errcheck
			conn.Release()
			return Snapshot{}, fmt.Errorf("export snapshot: %w", err)
		}
		m.conn, m.tx, m.id, m.state = conn, tx, exported, StateExported
		m.logger.Info().Str("snapshot", exported).Msg("exported new snapshot")
	}

	if err := persistSnapshotID(snapshotPath, m.id); err != nil {
		return Snapshot{}, fmt.Errorf("persist snapshot id: %w", err)
	}

	return Snapshot{ID: m.id}, nil
}

// Copy returns a value-copyable Snapshot handle for a worker to use.
func (m *Manager) Copy() Snapshot {
	return Snapshot{ID: m.id}
}

// Close commits the holding transaction and releases the connection.
// It is idempotent: calling it again once closed is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	if m.state == StateClosed || m.state == StateUnknown || m.state == StateSkipped {
		m.state = StateClosed
		return nil
	}
	var err error
	if m.tx != nil {
		err = m.tx.Commit(ctx)
	}
	if m.conn != nil {
		m.conn.Release()
	}
	m.state = StateClosed
	if err != nil {
		return fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return nil
}

func persistSnapshotID(path, id string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(id+"\n"), 0o644)
}
