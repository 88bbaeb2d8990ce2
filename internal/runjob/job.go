// Package runjob drives a single copy-db/stream run against the
// work-directory/CDC-file architecture, the same sequence cmd/pgcopydb's
// copy-db and stream verbs run, packaged as a reusable value so the
// daemon's JobManager (and, through it, internal/server's job-control API)
// can start/stop one in the background instead of only from the CLI.
package runjob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/cdc/apply"
	"github.com/jfoltran/pgcopydb/internal/cdc/receive"
	"github.com/jfoltran/pgcopydb/internal/cdc/transform"
	"github.com/jfoltran/pgcopydb/internal/config"
	"github.com/jfoltran/pgcopydb/internal/metrics"
	"github.com/jfoltran/pgcopydb/internal/orchestrator"
	"github.com/jfoltran/pgcopydb/internal/pgwire"
	"github.com/jfoltran/pgcopydb/internal/schema"
	"github.com/jfoltran/pgcopydb/internal/sentinel"
	"github.com/jfoltran/pgcopydb/internal/snapshotmgr"
	"github.com/jfoltran/pgcopydb/internal/supervisor"
	"github.com/jfoltran/pgcopydb/internal/workdir"
	"github.com/jfoltran/pgcopydb/pkg/lsn"
)

// Job runs one copy-db/stream operation to completion (or until its
// context is cancelled), reporting progress through a shared
// metrics.Collector.
type Job struct {
	cfg       *config.Config
	paths     *workdir.Paths
	collector *metrics.Collector
	logger    zerolog.Logger

	source, dest *pgxpool.Pool
}

// New builds a Job against cfg's source/dest/work-dir settings. The
// caller owns coll's lifecycle (it is shared with any live-view server).
func New(cfg *config.Config, coll *metrics.Collector, logger zerolog.Logger) *Job {
	return &Job{
		cfg:       cfg,
		paths:     workdir.New(cfg.WorkDir),
		collector: coll,
		logger:    logger.With().Str("component", "runjob").Logger(),
	}
}

// Close releases any pools opened by a prior run.
func (j *Job) Close() {
	if j.source != nil {
		j.source.Close()
	}
	if j.dest != nil {
		j.dest.Close()
	}
}

// connect is idempotent: a Job may move from RunClone straight into
// RunFollow (copy-db --follow) without reopening pools, or have
// RunFollow/RunSwitchover called standalone against a fresh Job.
func (j *Job) connect(ctx context.Context) error {
	if j.source != nil && j.dest != nil {
		return nil
	}
	source, err := pgxpool.New(ctx, j.cfg.Source.DSN())
	if err != nil {
		return fmt.Errorf("connect to source: %w", err)
	}
	dest, err := pgxpool.New(ctx, j.cfg.Dest.DSN())
	if err != nil {
		source.Close()
		return fmt.Errorf("connect to destination: %w", err)
	}
	j.source, j.dest = source, dest
	return nil
}

// RunClone performs one full copy-db pass: schema dump/restore, parallel
// table copy, index/constraint build, sequences and large objects.
// Mirrors cmd/pgcopydb's copyDBCmd.
func (j *Job) RunClone(ctx context.Context) error {
	if err := workdir.Initialize(j.paths, j.cfg.Copy.Restart, j.cfg.Copy.Resume); err != nil {
		return err
	}
	defer workdir.Release(j.paths)

	if err := j.connect(ctx); err != nil {
		return err
	}

	mig := schema.NewMigrator(j.source, j.dest, j.logger)
	if err := dumpSchemaIfNeeded(ctx, mig, j.cfg.Source.DSN(), j.paths); err != nil {
		return err
	}

	cat := catalog.New(j.source, j.logger)
	snap := snapshotmgr.New(j.source, j.logger)
	if _, err := snap.Prepare(ctx, j.cfg.Copy.Consistent, j.cfg.Copy.SnapshotID, j.paths.Snapshot); err != nil {
		return fmt.Errorf("prepare snapshot: %w", err)
	}
	defer snap.Close(ctx) //nolint:errcheck

	j.collector.SetPhase("copying")
	orc := orchestrator.New(j.source, j.dest, cat, snap, mig, j.paths, j.collector, j.cfg.Copy, j.logger)
	if err := orc.CopyDB(ctx); err != nil {
		return fmt.Errorf("copy-db: %w", err)
	}
	j.collector.SetPhase("copy complete")
	return nil
}

// RunCloneAndFollow runs RunClone then transitions straight into
// RunFollow, the way copy-db --follow does.
func (j *Job) RunCloneAndFollow(ctx context.Context) error {
	if err := j.RunClone(ctx); err != nil {
		return err
	}
	return j.RunFollow(ctx, 0)
}

// RunFollow sets up (if needed) and runs the receive/transform/apply
// trio until ctx is cancelled. startLSN is only consulted the first
// time a slot is created; a resumed run always continues from the
// sentinel's own replay position. Mirrors cmd/pgcopydb's runFollow.
func (j *Job) RunFollow(ctx context.Context, startLSN pglogrepl.LSN) error {
	if err := j.connect(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(j.paths.CDCJSONDir, 0o700); err != nil {
		return err
	}
	if err := os.MkdirAll(j.paths.CDCSQLDir, 0o700); err != nil {
		return err
	}

	repConn, err := pgconn.Connect(ctx, j.cfg.Source.ReplicationDSN())
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}
	defer repConn.Close(context.Background())

	originConn, err := pgconn.Connect(ctx, j.cfg.Dest.DSN())
	if err != nil {
		return fmt.Errorf("connect for origin advance: %w", err)
	}
	defer originConn.Close(context.Background())
	wireConn := pgwire.NewConn(originConn, j.logger)

	store := sentinel.NewStore(j.paths.SentinelFile, j.logger)
	originName := j.cfg.Replication.OriginID

	if _, statErr := os.Stat(j.paths.SentinelFile); statErr != nil {
		r := receive.New(repConn, receive.Options{
			SlotName:    j.cfg.Replication.SlotName,
			Publication: j.cfg.Replication.Publication,
			Plugin:      j.cfg.Replication.OutputPlugin,
			JSONDir:     j.paths.CDCJSONDir,
			WalSegSz:    lsn.DefaultWalSegSz,
		}, nil, j.logger)
		created, _, err := r.CreateSlot(ctx, startLSN)
		if err != nil {
			return fmt.Errorf("create replication slot: %w", err)
		}
		startLSN = created
		if err := wireConn.SetReplicationOrigin(ctx, originName); err != nil {
			return fmt.Errorf("setup replication origin: %w", err)
		}
		if err := os.WriteFile(j.paths.OriginFile, []byte(originName), 0o644); err != nil {
			return fmt.Errorf("write origin file: %w", err)
		}
		if _, err := store.Init(ctx, startLSN); err != nil {
			return fmt.Errorf("init sentinel: %w", err)
		}
		if _, err := store.SetApply(ctx, true); err != nil {
			return err
		}
	} else if data, readErr := os.ReadFile(j.paths.OriginFile); readErr == nil {
		originName = string(data)
	}

	rec, err := store.Get(ctx)
	if err != nil {
		return err
	}
	resumeLSN := rec.ReplayLSN
	if resumeLSN == 0 {
		resumeLSN = rec.StartLSN
	}

	r := receive.New(repConn, receive.Options{
		SlotName:    j.cfg.Replication.SlotName,
		Publication: j.cfg.Replication.Publication,
		Plugin:      j.cfg.Replication.OutputPlugin,
		JSONDir:     j.paths.CDCJSONDir,
		WalSegSz:    lsn.DefaultWalSegSz,
	}, nil, j.logger)

	applier := apply.New(j.dest, store, wireConn, originName, j.logger)
	j.collector.SetPhase("streaming")

	sup := supervisor.New(j.logger, 20*time.Second, j.paths)
	return sup.Run(ctx,
		supervisor.Worker{Name: "receive", Run: func(ctx context.Context) error { return r.Run(ctx, resumeLSN) }},
		supervisor.Worker{Name: "transform", Run: func(ctx context.Context) error {
			return pollUntilCancelled(ctx, 2*time.Second, func() error {
				_, err := transformReady(j.paths, j.logger)
				return err
			})
		}},
		supervisor.Worker{Name: "apply", Run: func(ctx context.Context) error {
			return pollUntilCancelled(ctx, 2*time.Second, func() error {
				return applyReady(ctx, applier, j.paths, j.collector)
			})
		}},
	)
}

// RunSwitchover records the sentinel's current replay position as its
// endpos and polls until apply has reached it, the same shape as a
// manual `stream sentinel set-endpos` followed by `stream apply`
// reaching it. It does not pause or redirect any traffic itself.
func (j *Job) RunSwitchover(ctx context.Context, timeout time.Duration) error {
	if err := j.connect(ctx); err != nil {
		return err
	}

	store := sentinel.NewStore(j.paths.SentinelFile, j.logger)
	rec, err := store.Get(ctx)
	if err != nil {
		return fmt.Errorf("read sentinel: %w", err)
	}
	if _, err := store.SetEndPos(ctx, rec.ReplayLSN); err != nil {
		return fmt.Errorf("set endpos: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cur, err := store.Get(ctx)
		if err != nil {
			return err
		}
		if cur.ReachedEndPos() {
			j.collector.SetPhase("switchover complete")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("switchover: apply did not drain to endpos within %s", timeout)
}

func dumpSchemaIfNeeded(ctx context.Context, mig *schema.Migrator, sourceDSN string, p *workdir.Paths) error {
	if fileExists(p.PreDataDump) && fileExists(p.PostDataDump) {
		return nil
	}
	preData, err := mig.DumpSection(ctx, sourceDSN, "pre-data")
	if err != nil {
		return fmt.Errorf("dump pre-data: %w", err)
	}
	if err := os.WriteFile(p.PreDataDump, []byte(preData), 0o644); err != nil {
		return fmt.Errorf("write pre-data dump: %w", err)
	}
	postData, err := mig.DumpSection(ctx, sourceDSN, "post-data")
	if err != nil {
		return fmt.Errorf("dump post-data: %w", err)
	}
	if err := os.WriteFile(p.PostDataDump, []byte(postData), 0o644); err != nil {
		return fmt.Errorf("write post-data dump: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// upToDate reports whether path exists and is no older than srcMod.
func upToDate(path string, srcMod time.Time) bool {
	info, err := os.Stat(path)
	return err == nil && !info.ModTime().Before(srcMod)
}

// pollUntilCancelled calls fn immediately and then every interval until
// ctx is cancelled (returning nil) or fn returns a non-nil error.
func pollUntilCancelled(ctx context.Context, interval time.Duration, fn func() error) error {
	if err := fn(); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(); err != nil {
				return err
			}
		}
	}
}

// transformReady renders every received .json segment that has no
// matching .sql file yet into transformed SQL, returning how many it
// processed.
func transformReady(p *workdir.Paths, logger zerolog.Logger) (int, error) {
	entries, err := os.ReadDir(p.CDCJSONDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cdc json dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		src := filepath.Join(p.CDCJSONDir, name)
		dst := filepath.Join(p.CDCSQLDir, strings.TrimSuffix(name, ".json")+".sql")
		srcInfo, err := os.Stat(src)
		if err != nil {
			continue
		}
		// Re-render when the segment grew since the last pass: the open
		// segment keeps receiving lines until receive rotates it. A
		// rendered file that was already applied counts as current too —
		// apply's own replay-position check makes any re-render harmless,
		// but there is no reason to redo it.
		if upToDate(dst, srcInfo.ModTime()) || upToDate(dst+".applied", srcInfo.ModTime()) {
			continue
		}
		if _, err := transform.File(src, dst, logger); err != nil {
			return n, fmt.Errorf("transform %s: %w", name, err)
		}
		n++
	}
	return n, nil
}

// applyReady replays every transformed .sql file that hasn't been
// applied yet, in LSN order (file names carry the zero-padded WAL
// segment number), renaming each
// to ".sql.applied" once fully applied so a later run never replays it.
func applyReady(ctx context.Context, applier *apply.Applier, p *workdir.Paths, coll *metrics.Collector) error {
	entries, err := os.ReadDir(p.CDCSQLDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cdc sql dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(p.CDCSQLDir, name)
		result, err := applier.ApplyFile(ctx, path)
		if err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		if result.Skipped {
			// apply disabled: leave every file in place for the next pass
			return nil
		}
		if result.StoppedAtEndPos {
			return nil
		}
		if err := os.Rename(path, path+".applied"); err != nil {
			return fmt.Errorf("mark %s applied: %w", name, err)
		}
		if coll != nil && result.TransactionsApplied > 0 {
			coll.RecordApplied(result.ReplayLSN, int64(result.TransactionsApplied), 0)
		}
	}
	return nil
}
