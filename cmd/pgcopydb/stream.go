package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/cdc/apply"
	"github.com/jfoltran/pgcopydb/internal/cdc/receive"
	"github.com/jfoltran/pgcopydb/internal/cdc/transform"
	"github.com/jfoltran/pgcopydb/internal/metrics"
	"github.com/jfoltran/pgcopydb/internal/pgwire"
	"github.com/jfoltran/pgcopydb/internal/report"
	"github.com/jfoltran/pgcopydb/internal/sentinel"
	"github.com/jfoltran/pgcopydb/internal/supervisor"
	"github.com/jfoltran/pgcopydb/internal/workdir"
	"github.com/jfoltran/pgcopydb/pkg/lsn"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Manage and run the CDC receive/transform/apply pipeline",
}

var streamEndpos string

var streamSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the replication slot, origin, and sentinel record",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()
		p := paths()
		if err := ensureCDCDirs(p); err != nil {
			return err
		}

		conn, err := pgconn.Connect(ctx, cfg.Source.ReplicationDSN())
		if err != nil {
			return fmt.Errorf("connect for replication: %w", err)
		}
		defer conn.Close(ctx)

		r := receive.New(conn, receive.Options{
			SlotName:    cfg.Replication.SlotName,
			Publication: cfg.Replication.Publication,
			Plugin:      cfg.Replication.OutputPlugin,
			JSONDir:     p.CDCJSONDir,
			WalSegSz:    walSegSz(p),
		}, nil, logger)

		startLSN, snapshotName, err := r.CreateSlot(ctx, 0)
		if err != nil {
			return fmt.Errorf("create replication slot: %w", err)
		}

		wireConn := pgwire.NewConn(conn, logger)
		if err := wireConn.SetReplicationOrigin(ctx, cfg.Replication.OriginID); err != nil {
			return fmt.Errorf("setup replication origin: %w", err)
		}

		store := sentinel.NewStore(p.SentinelFile, logger)
		if _, err := store.Init(ctx, startLSN); err != nil {
			return fmt.Errorf("init sentinel: %w", err)
		}

		if err := os.WriteFile(p.OriginFile, []byte(cfg.Replication.OriginID), 0o644); err != nil {
			return fmt.Errorf("write origin file: %w", err)
		}
		if err := writeWalSegSz(p, lsn.DefaultWalSegSz); err != nil {
			return fmt.Errorf("write wal segment size: %w", err)
		}
		if snapshotName != "" {
			if err := os.WriteFile(p.Snapshot, []byte(snapshotName+"\n"), 0o644); err != nil {
				return fmt.Errorf("write snapshot file: %w", err)
			}
		}

		fmt.Printf("slot %q created at %s", cfg.Replication.SlotName, startLSN)
		if snapshotName != "" {
			fmt.Printf(", snapshot %s", snapshotName)
		}
		fmt.Println()
		return nil
	},
}

var streamCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop the replication slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()
		conn, err := pgconn.Connect(ctx, cfg.Source.ReplicationDSN())
		if err != nil {
			return fmt.Errorf("connect for replication: %w", err)
		}
		defer conn.Close(ctx)

		wireConn := pgwire.NewConn(conn, logger)
		if err := wireConn.DropReplicationSlot(ctx, cfg.Replication.SlotName); err != nil {
			return fmt.Errorf("drop replication slot: %w", err)
		}
		fmt.Printf("slot %q dropped\n", cfg.Replication.SlotName)
		return nil
	},
}

var streamReceiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Consume the logical decoding stream into JSON-lines segment files",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		p := paths()
		if err := ensureCDCDirs(p); err != nil {
			return err
		}
		return runReceiveOnly(cmd.Context(), p)
	},
}

var streamTransformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Render JSON-lines CDC segments into replayable SQL files",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := paths()
		if err := ensureCDCDirs(p); err != nil {
			return err
		}
		sup := supervisor.New(logger, 10*time.Second, nil)
		return sup.Run(cmd.Context(), supervisor.Worker{
			Name: "transform",
			Run: func(ctx context.Context) error {
				return watchLoop(ctx, 2*time.Second, func() error {
					n, err := transformReady(p, logger)
					if err != nil {
						return err
					}
					if n > 0 {
						logger.Info().Int("files", n).Msg("transformed CDC segments")
					}
					return nil
				})
			},
		})
	},
}

var streamApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Replay transformed SQL files on the target, advancing the replication origin",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()
		p := paths()
		if err := ensureCDCDirs(p); err != nil {
			return err
		}

		dest, err := pgxpool.New(ctx, cfg.Dest.DSN())
		if err != nil {
			return fmt.Errorf("connect to destination: %w", err)
		}
		defer dest.Close()

		originConn, err := pgconn.Connect(ctx, cfg.Dest.DSN())
		if err != nil {
			return fmt.Errorf("connect for origin advance: %w", err)
		}
		defer originConn.Close(context.Background())
		wireConn := pgwire.NewConn(originConn, logger)

		store := sentinel.NewStore(p.SentinelFile, logger)
		if err := applyEndposIfSet(ctx, store, streamEndpos); err != nil {
			return err
		}

		applier := apply.New(dest, store, wireConn, readOriginName(p), logger)

		coll := metrics.NewCollector(logger)
		defer coll.Close()
		coll.SetPhase("applying")

		sup := supervisor.New(logger, 10*time.Second, nil)
		return runWithLiveViews(ctx, coll, streamApplyAPIPort, streamApplyTUI, func() error {
			return sup.Run(ctx, supervisor.Worker{
				Name: "apply",
				Run: func(ctx context.Context) error {
					return watchLoop(ctx, 2*time.Second, func() error {
						stopped, err := applyReady(ctx, applier, p, coll, logger)
						if stopped {
							logger.Info().Msg("reached configured end position, stopping apply")
							return errStop
						}
						return err
					})
				},
			})
		})
	},
}

var (
	streamApplyAPIPort int
	streamApplyTUI     bool
)

var streamPrefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Receive and transform CDC changes without applying them",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		p := paths()
		if err := ensureCDCDirs(p); err != nil {
			return err
		}
		return runReceiveAndTransform(cmd.Context(), p)
	},
}

var streamCatchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Apply already-prefetched SQL files up to the current sentinel end position",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()
		p := paths()
		if err := ensureCDCDirs(p); err != nil {
			return err
		}
		dest, err := pgxpool.New(ctx, cfg.Dest.DSN())
		if err != nil {
			return fmt.Errorf("connect to destination: %w", err)
		}
		defer dest.Close()

		store := sentinel.NewStore(p.SentinelFile, logger)
		applier := apply.New(dest, store, nil, "", logger)
		_, err = applyReady(ctx, applier, p, nil, logger)
		return err
	},
}

var streamReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run receive, transform, and apply together until signaled or end position is reached",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()
		source, dest, err := connectPools(ctx)
		if err != nil {
			return err
		}
		defer source.Close()
		defer dest.Close()
		return runFollow(ctx, source, dest, paths(), streamEndpos)
	},
}

var streamSentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Inspect or update the CDC coordination record",
}

var streamSentinelGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current sentinel record",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := sentinel.NewStore(paths().SentinelFile, logger)
		rec, err := store.Get(cmd.Context())
		if err != nil {
			return err
		}
		var out strings.Builder
		report.RenderSentinel(&out, rec)
		fmt.Print(out.String())
		return nil
	},
}

var streamSentinelSetApplyCmd = &cobra.Command{
	Use:   "set-apply [true|false]",
	Short: "Enable or disable apply",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled := args[0] == "true" || args[0] == "1"
		store := sentinel.NewStore(paths().SentinelFile, logger)
		rec, err := store.SetApply(cmd.Context(), enabled)
		if err != nil {
			return err
		}
		fmt.Printf("apply enabled: %t\n", rec.ApplyEnabled)
		return nil
	},
}

var streamSentinelSetEndposCmd = &cobra.Command{
	Use:   "set-endpos LSN",
	Short: "Set the LSN apply should stop at (inclusive)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endLSN, err := pglogrepl.ParseLSN(args[0])
		if err != nil {
			return fmt.Errorf("invalid LSN %q: %w", args[0], err)
		}
		store := sentinel.NewStore(paths().SentinelFile, logger)
		rec, err := store.SetEndPos(cmd.Context(), endLSN)
		if err != nil {
			return err
		}
		fmt.Printf("end position set to %s\n", rec.EndLSN)
		return nil
	},
}

func init() {
	streamApplyCmd.Flags().StringVar(&streamEndpos, "endpos", "", "Stop once this LSN has been applied")
	streamReplayCmd.Flags().StringVar(&streamEndpos, "endpos", "", "Stop once this LSN has been applied")
	addLiveViewFlags(streamApplyCmd, &streamApplyAPIPort, &streamApplyTUI)

	streamSentinelCmd.AddCommand(streamSentinelGetCmd, streamSentinelSetApplyCmd, streamSentinelSetEndposCmd)
	streamCmd.AddCommand(streamSetupCmd, streamCleanupCmd, streamPrefetchCmd, streamCatchupCmd,
		streamReplayCmd, streamReceiveCmd, streamTransformCmd, streamApplyCmd, streamSentinelCmd)
	rootCmd.AddCommand(streamCmd)
}

// errStop is a sentinel error watchLoop treats as a clean, intentional
// stop rather than a failure (reaching a configured end position).
var errStop = fmt.Errorf("stream: stop requested")

// watchLoop calls fn every interval until ctx is cancelled or fn
// returns a non-nil error; errStop unwraps to a nil overall result.
func watchLoop(ctx context.Context, interval time.Duration, fn func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	if err := fn(); err != nil {
		if err == errStop {
			return nil
		}
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(); err != nil {
				if err == errStop {
					return nil
				}
				return err
			}
		}
	}
}

func ensureCDCDirs(p *workdir.Paths) error {
	for _, dir := range []string{p.CDCDir, p.CDCJSONDir, p.CDCSQLDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func readOriginName(p *workdir.Paths) string {
	data, err := os.ReadFile(p.OriginFile)
	if err != nil {
		return cfg.Replication.OriginID
	}
	return strings.TrimSpace(string(data))
}

// walSegSz reads the WAL segment size recorded at stream setup, so a
// resumed receive keeps segmenting files the way the first run did.
func walSegSz(p *workdir.Paths) uint64 {
	data, err := os.ReadFile(p.WalSegSzFile)
	if err != nil {
		return lsn.DefaultWalSegSz
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n == 0 {
		return lsn.DefaultWalSegSz
	}
	return n
}

func writeWalSegSz(p *workdir.Paths, segSz uint64) error {
	return os.WriteFile(p.WalSegSzFile, []byte(strconv.FormatUint(segSz, 10)+"\n"), 0o644)
}

func applyEndposIfSet(ctx context.Context, store *sentinel.Store, endpos string) error {
	if endpos == "" {
		return nil
	}
	endLSN, err := pglogrepl.ParseLSN(endpos)
	if err != nil {
		return fmt.Errorf("invalid --endpos %q: %w", endpos, err)
	}
	_, err = store.SetEndPos(ctx, endLSN)
	return err
}

// transformReady renders every JSON segment under p.CDCJSONDir that
// does not yet have a matching .sql file (or is newer than it) into
// p.CDCSQLDir, returning how many files were (re)rendered.
func transformReady(p *workdir.Paths, logger zerolog.Logger) (int, error) {
	entries, err := os.ReadDir(p.CDCJSONDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", p.CDCJSONDir, err)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".json")
		srcPath := filepath.Join(p.CDCJSONDir, e.Name())
		dstPath := filepath.Join(p.CDCSQLDir, base+".sql")

		srcInfo, err := os.Stat(srcPath)
		if err != nil {
			continue
		}
		if upToDate(dstPath, srcInfo.ModTime()) || upToDate(dstPath+".applied", srcInfo.ModTime()) {
			continue
		}

		if _, err := transform.File(srcPath, dstPath, logger); err != nil {
			return count, fmt.Errorf("transform %s: %w", e.Name(), err)
		}
		count++
	}
	return count, nil
}

// upToDate reports whether path exists and is no older than srcMod, i.e.
// it already reflects the segment's current contents.
func upToDate(path string, srcMod time.Time) bool {
	info, err := os.Stat(path)
	return err == nil && !info.ModTime().Before(srcMod)
}

// applyReady replays every .sql file under p.CDCSQLDir that has not
// already been marked .applied, in filename (and therefore LSN) order,
// renaming each to .applied once fully consumed so a restarted apply
// never replays it. coll may be nil when no live view was requested.
func applyReady(ctx context.Context, applier *apply.Applier, p *workdir.Paths, coll *metrics.Collector, logger zerolog.Logger) (bool, error) {
	entries, err := os.ReadDir(p.CDCSQLDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", p.CDCSQLDir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(p.CDCSQLDir, name)
		result, err := applier.ApplyFile(ctx, path)
		if err != nil {
			return false, fmt.Errorf("apply %s: %w", name, err)
		}
		if result.Skipped {
			// apply disabled: leave every file in place for the next pass
			return false, nil
		}
		if result.StoppedAtEndPos {
			return true, nil
		}
		if err := os.Rename(path, path+".applied"); err != nil {
			return false, fmt.Errorf("mark %s applied: %w", name, err)
		}
		if result.TransactionsApplied > 0 {
			logger.Info().Str("file", name).Int("transactions", result.TransactionsApplied).
				Int("statements", result.StatementsApplied).Stringer("replay_lsn", result.ReplayLSN).
				Msg("applied CDC file")
			if coll != nil {
				coll.RecordApplied(result.ReplayLSN, int64(result.TransactionsApplied), 0)
			}
		}
	}
	return false, nil
}

// runReceiveOnly runs the receive worker alone under the supervisor,
// used by `stream receive`.
func runReceiveOnly(ctx context.Context, p *workdir.Paths) error {
	conn, err := pgconn.Connect(ctx, cfg.Source.ReplicationDSN())
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}
	defer conn.Close(context.Background())

	store := sentinel.NewStore(p.SentinelFile, logger)
	rec, err := store.Get(ctx)
	if err != nil {
		return fmt.Errorf("read sentinel (run `stream setup` first): %w", err)
	}
	startLSN := rec.ReplayLSN
	if startLSN == 0 {
		startLSN = rec.StartLSN
	}

	r := receive.New(conn, receive.Options{
		SlotName:    cfg.Replication.SlotName,
		Publication: cfg.Replication.Publication,
		Plugin:      cfg.Replication.OutputPlugin,
		JSONDir:     p.CDCJSONDir,
		WalSegSz:    walSegSz(p),
	}, nil, logger)

	sup := supervisor.New(logger, 15*time.Second, nil)
	return sup.Run(ctx, supervisor.Worker{
		Name: "receive",
		Run: func(ctx context.Context) error {
			return r.Run(ctx, startLSN)
		},
	})
}

// runReceiveAndTransform drives receive and transform as two
// supervised workers sharing one context, used by `stream prefetch`.
func runReceiveAndTransform(ctx context.Context, p *workdir.Paths) error {
	conn, err := pgconn.Connect(ctx, cfg.Source.ReplicationDSN())
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}
	defer conn.Close(context.Background())

	store := sentinel.NewStore(p.SentinelFile, logger)
	rec, err := store.Get(ctx)
	if err != nil {
		return fmt.Errorf("read sentinel (run `stream setup` first): %w", err)
	}
	startLSN := rec.ReplayLSN
	if startLSN == 0 {
		startLSN = rec.StartLSN
	}

	r := receive.New(conn, receive.Options{
		SlotName:    cfg.Replication.SlotName,
		Publication: cfg.Replication.Publication,
		Plugin:      cfg.Replication.OutputPlugin,
		JSONDir:     p.CDCJSONDir,
		WalSegSz:    walSegSz(p),
	}, nil, logger)

	sup := supervisor.New(logger, 15*time.Second, nil)
	return sup.Run(ctx,
		supervisor.Worker{Name: "receive", Run: func(ctx context.Context) error { return r.Run(ctx, startLSN) }},
		supervisor.Worker{Name: "transform", Run: func(ctx context.Context) error {
			return watchLoop(ctx, 2*time.Second, func() error {
				_, err := transformReady(p, logger)
				return err
			})
		}},
	)
}

// runFollow drives the full receive/transform/apply pipeline as three
// supervised workers, the shape both `copy-db --follow` and
// `stream replay` use. dest is used for apply, source for receive.
func runFollow(ctx context.Context, source, dest *pgxpool.Pool, p *workdir.Paths, endpos string) error {
	if err := ensureCDCDirs(p); err != nil {
		return err
	}

	repConn, err := pgconn.Connect(ctx, cfg.Source.ReplicationDSN())
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}
	defer repConn.Close(context.Background())

	originConn, err := pgconn.Connect(ctx, cfg.Dest.DSN())
	if err != nil {
		return fmt.Errorf("connect for origin advance: %w", err)
	}
	defer originConn.Close(context.Background())
	wireConn := pgwire.NewConn(originConn, logger)

	store := sentinel.NewStore(p.SentinelFile, logger)
	if !fileExists(p.SentinelFile) {
		r := receive.New(repConn, receive.Options{
			SlotName:    cfg.Replication.SlotName,
			Publication: cfg.Replication.Publication,
			Plugin:      cfg.Replication.OutputPlugin,
			JSONDir:     p.CDCJSONDir,
			WalSegSz:    walSegSz(p),
		}, nil, logger)
		startLSN, _, err := r.CreateSlot(ctx, 0)
		if err != nil {
			return fmt.Errorf("create replication slot: %w", err)
		}
		if err := wireConn.SetReplicationOrigin(ctx, cfg.Replication.OriginID); err != nil {
			return fmt.Errorf("setup replication origin: %w", err)
		}
		if err := os.WriteFile(p.OriginFile, []byte(cfg.Replication.OriginID), 0o644); err != nil {
			return fmt.Errorf("write origin file: %w", err)
		}
		if err := writeWalSegSz(p, lsn.DefaultWalSegSz); err != nil {
			return fmt.Errorf("write wal segment size: %w", err)
		}
		if _, err := store.Init(ctx, startLSN); err != nil {
			return fmt.Errorf("init sentinel: %w", err)
		}
		if _, err := store.SetApply(ctx, true); err != nil {
			return err
		}
	}
	if err := applyEndposIfSet(ctx, store, endpos); err != nil {
		return err
	}

	rec, err := store.Get(ctx)
	if err != nil {
		return err
	}
	startLSN := rec.ReplayLSN
	if startLSN == 0 {
		startLSN = rec.StartLSN
	}

	r := receive.New(repConn, receive.Options{
		SlotName:    cfg.Replication.SlotName,
		Publication: cfg.Replication.Publication,
		Plugin:      cfg.Replication.OutputPlugin,
		JSONDir:     p.CDCJSONDir,
		WalSegSz:    walSegSz(p),
	}, nil, logger)

	applier := apply.New(dest, store, wireConn, readOriginName(p), logger)

	sup := supervisor.New(logger, 20*time.Second, p)
	return sup.Run(ctx,
		supervisor.Worker{Name: "receive", Run: func(ctx context.Context) error { return r.Run(ctx, startLSN) }},
		supervisor.Worker{Name: "transform", Run: func(ctx context.Context) error {
			return watchLoop(ctx, 2*time.Second, func() error {
				_, err := transformReady(p, logger)
				return err
			})
		}},
		supervisor.Worker{Name: "apply", Run: func(ctx context.Context) error {
			return watchLoop(ctx, 2*time.Second, func() error {
				stopped, err := applyReady(ctx, applier, p, nil, logger)
				if stopped {
					return errStop
				}
				return err
			})
		}},
	)
}
