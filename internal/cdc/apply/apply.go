// Package apply replays the transformed SQL files against the target
// database, one transaction at a time, advancing the sentinel's replay
// position and the target's replication origin as each transaction
// commits so a crashed apply resumes exactly where it left off.
package apply

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/pgwire"
	"github.com/jfoltran/pgcopydb/internal/sentinel"
)

// OriginAdvancer is the subset of *pgwire.Conn apply needs; an interface
// so tests can substitute a no-op.
type OriginAdvancer interface {
	Advance(ctx context.Context, originName string, lsn pglogrepl.LSN) error
}

var _ OriginAdvancer = (*pgwire.Conn)(nil)

// Applier replays transformed SQL files against the target.
type Applier struct {
	pool       *pgxpool.Pool
	sentinel   *sentinel.Store
	origin     OriginAdvancer
	originName string
	logger     zerolog.Logger
}

// New creates an Applier. origin may be nil when replication-origin
// tracking is not in use (e.g. a one-shot catchup with no bidirectional
// concerns).
func New(pool *pgxpool.Pool, sentinelStore *sentinel.Store, origin OriginAdvancer, originName string, logger zerolog.Logger) *Applier {
	return &Applier{
		pool:       pool,
		sentinel:   sentinelStore,
		origin:     origin,
		originName: originName,
		logger:     logger.With().Str("component", "cdc-apply").Logger(),
	}
}

type transaction struct {
	xid   uint32
	lsn   pglogrepl.LSN
	stmts []string
}

type beginMeta struct {
	Xid uint32 `json:"xid"`
	LSN string `json:"lsn"`
}

type commitMeta struct {
	Xid uint32 `json:"xid"`
	LSN string `json:"lsn"`
}

// Result summarizes one ApplyFile call. Skipped means the sentinel had
// apply disabled and nothing was replayed: the file must not be marked
// as consumed, it still holds changes the target has never seen.
type Result struct {
	TransactionsApplied int
	StatementsApplied   int
	ReplayLSN           pglogrepl.LSN
	StoppedAtEndPos     bool
	Skipped             bool
}

// ApplyFile replays every transaction in the SQL file at path, in order,
// stopping before any transaction whose commit LSN would exceed the
// sentinel's EndLSN (when set), and skipping all replay entirely when the
// sentinel reports ApplyEnabled=false (receive and transform keep running
// either way; only apply gates on this flag).
func (a *Applier) ApplyFile(ctx context.Context, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open sql file: %w", err)
	}
	defer f.Close()
	return a.Apply(ctx, f)
}

// Apply reads transformed SQL from r and replays it, as ApplyFile does.
func (a *Applier) Apply(ctx context.Context, r io.Reader) (Result, error) {
	rec, err := a.sentinel.Get(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read sentinel: %w", err)
	}
	if !rec.ApplyEnabled {
		a.logger.Debug().Msg("apply disabled, skipping file")
		return Result{ReplayLSN: rec.ReplayLSN, Skipped: true}, nil
	}

	var result Result
	result.ReplayLSN = rec.ReplayLSN

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var cur *transaction
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "BEGIN;"):
			meta, _ := splitMeta(line)
			var bm beginMeta
			_ = json.Unmarshal([]byte(meta), &bm)
			cur = &transaction{xid: bm.Xid}

		case strings.HasPrefix(line, "COMMIT;"):
			if cur == nil {
				continue
			}
			meta, _ := splitMeta(line)
			var cm commitMeta
			_ = json.Unmarshal([]byte(meta), &cm)
			if lsn, err := pglogrepl.ParseLSN(cm.LSN); err == nil {
				cur.lsn = lsn
			}

			// Transactions at or below the recorded replay position were
			// already committed by a prior pass (a crash mid-file, or a
			// segment re-rendered after it grew): skip them rather than
			// double-apply.
			if cur.lsn != 0 && cur.lsn <= rec.ReplayLSN {
				cur = nil
				continue
			}

			if rec.EndLSN != 0 && cur.lsn > rec.EndLSN {
				// Every transaction at or below EndLSN has been applied:
				// record the end position itself as reached so pollers see
				// ReachedEndPos flip without waiting for a commit exactly
				// at EndLSN (there may never be one).
				if _, err := a.sentinel.AdvanceReplay(ctx, rec.EndLSN); err != nil {
					return result, fmt.Errorf("advance sentinel to endpos: %w", err)
				}
				if rec.EndLSN > result.ReplayLSN {
					result.ReplayLSN = rec.EndLSN
				}
				result.StoppedAtEndPos = true
				return result, nil
			}

			n, err := a.applyTransaction(ctx, cur)
			if err != nil {
				return result, fmt.Errorf("apply xid=%d: %w", cur.xid, err)
			}
			result.TransactionsApplied++
			result.StatementsApplied += n
			result.ReplayLSN = cur.lsn

			if _, err := a.sentinel.AdvanceReplay(ctx, cur.lsn); err != nil {
				return result, fmt.Errorf("advance sentinel: %w", err)
			}
			if a.origin != nil && a.originName != "" {
				if err := a.origin.Advance(ctx, a.originName, cur.lsn); err != nil {
					return result, fmt.Errorf("advance origin: %w", err)
				}
			}
			cur = nil

		case strings.HasPrefix(line, "-- KEEPALIVE"):
			// Liveness marker: persist current progress so an idle stream
			// still moves the published replay position forward in time.
			if cur == nil && result.ReplayLSN != 0 {
				if _, err := a.sentinel.AdvanceReplay(ctx, result.ReplayLSN); err != nil {
					return result, fmt.Errorf("publish keepalive progress: %w", err)
				}
			}
			continue

		case strings.HasPrefix(line, "--"):
			// other metadata comment (MESSAGE/SWITCH WAL); no statement to run
			continue

		case strings.TrimSpace(line) == "":
			continue

		default:
			if cur == nil {
				return result, fmt.Errorf("statement outside transaction: %s", line)
			}
			cur.stmts = append(cur.stmts, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("scan sql file: %w", err)
	}
	return result, nil
}

// applyTransaction runs every statement of txn inside one target
// transaction, batching them with pgx.Batch so a multi-statement
// transaction round-trips to the server once.
func (a *Applier) applyTransaction(ctx context.Context, txn *transaction) (int, error) {
	if len(txn.stmts) == 0 {
		return 0, nil
	}
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin target tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, stmt := range txn.stmts {
		batch.Queue(stmt)
	}
	br := tx.SendBatch(ctx, batch)
	for range txn.stmts {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, fmt.Errorf("exec statement: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit target tx: %w", err)
	}
	return len(txn.stmts), nil
}

// splitMeta extracts the JSON object trailing a "-- " comment marker.
func splitMeta(line string) (string, bool) {
	idx := strings.Index(line, "-- ")
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(line[idx+3:]), true
}
