// Package sentinel implements the on-disk sentinel record that
// coordinates CDC receive, transform, and apply across restarts: it
// records the LSN range a run covers, the position apply has actually
// reached, and whether apply is currently allowed to write at all, so a
// switchover can ask apply to drain up to a fixed endpos before cutting
// traffic over.
package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

// Sentinel is the persisted coordination record, one per CDC run,
// written to <topdir>/cdc/sentinel.json.
type Sentinel struct {
	StartLSN     pglogrepl.LSN `json:"start_lsn"`
	EndLSN       pglogrepl.LSN `json:"end_lsn,omitempty"`
	ReplayLSN    pglogrepl.LSN `json:"replay_lsn"`
	ApplyEnabled bool          `json:"apply_enabled"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ReachedEndPos reports whether apply has drained up to EndLSN, the
// condition a switchover waits for before failing traffic over. Apply
// stops exactly at the end position, never past it.
func (s Sentinel) ReachedEndPos() bool {
	return s.EndLSN != 0 && s.ReplayLSN >= s.EndLSN
}

// Store persists a Sentinel to a JSON file, serializing concurrent
// writers with an in-memory mutex (one Store per process; the file
// itself is the cross-process source of truth, read fresh on Get).
type Store struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewStore creates a Store bound to the given sentinel file path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{path: path, logger: logger.With().Str("component", "sentinel").Logger()}
}

// Init writes a fresh sentinel record for a new CDC run, apply disabled
// until the initial copy finishes and the catchup phase explicitly
// enables it.
func (s *Store) Init(ctx context.Context, startLSN pglogrepl.LSN) (Sentinel, error) {
	rec := Sentinel{StartLSN: startLSN, ReplayLSN: startLSN, ApplyEnabled: false, UpdatedAt: time.Now()}
	return rec, s.write(rec)
}

// Get reads the current sentinel record.
func (s *Store) Get(ctx context.Context) (Sentinel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// SetApply flips ApplyEnabled and persists the change; used by `stream
// apply --enable`/`--disable` and by catchup finishing its replay.
func (s *Store) SetApply(ctx context.Context, enabled bool) (Sentinel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.read()
	if err != nil {
		return Sentinel{}, err
	}
	rec.ApplyEnabled = enabled
	rec.UpdatedAt = time.Now()
	return rec, s.writeLocked(rec)
}

// SetEndPos records the LSN a switchover wants apply to drain up to,
// then stop.
func (s *Store) SetEndPos(ctx context.Context, endLSN pglogrepl.LSN) (Sentinel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.read()
	if err != nil {
		return Sentinel{}, err
	}
	rec.EndLSN = endLSN
	rec.UpdatedAt = time.Now()
	return rec, s.writeLocked(rec)
}

// AdvanceReplay records that apply has committed through lsn. A call
// with a smaller value than already recorded leaves ReplayLSN unchanged,
// so the recorded position never moves backward.
func (s *Store) AdvanceReplay(ctx context.Context, lsn pglogrepl.LSN) (Sentinel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.read()
	if err != nil {
		return Sentinel{}, err
	}
	if lsn > rec.ReplayLSN {
		rec.ReplayLSN = lsn
	}
	rec.UpdatedAt = time.Now()
	return rec, s.writeLocked(rec)
}

func (s *Store) write(rec Sentinel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(rec)
}

func (s *Store) writeLocked(rec Sentinel) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sentinel: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sentinel tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename sentinel: %w", err)
	}
	return nil
}

func (s *Store) read() (Sentinel, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Sentinel{}, fmt.Errorf("read sentinel: %w", err)
	}
	var rec Sentinel
	if err := json.Unmarshal(data, &rec); err != nil {
		return Sentinel{}, fmt.Errorf("unmarshal sentinel: %w", err)
	}
	return rec, nil
}
