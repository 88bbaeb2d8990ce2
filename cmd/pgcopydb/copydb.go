package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/cdc/receive"
	"github.com/jfoltran/pgcopydb/internal/metrics"
	"github.com/jfoltran/pgcopydb/internal/orchestrator"
	"github.com/jfoltran/pgcopydb/internal/pgwire"
	"github.com/jfoltran/pgcopydb/internal/report"
	"github.com/jfoltran/pgcopydb/internal/schema"
	"github.com/jfoltran/pgcopydb/internal/sentinel"
	"github.com/jfoltran/pgcopydb/internal/snapshotmgr"
	"github.com/jfoltran/pgcopydb/internal/workdir"
	"github.com/jfoltran/pgcopydb/pkg/lsn"
)

var (
	copyDBFollow  bool
	copyDBAPIPort int
	copyDBTUI     bool
)

var copyDBCmd = &cobra.Command{
	Use:   "copy-db",
	Short: "Copy schema and data from source to target",
	Long: `copy-db dumps and restores the schema, runs a snapshot-consistent
parallel COPY of every table, rebuilds indexes and constraints, and
copies sequences and large objects. With --follow it first creates the
replication slot, origin and sentinel (unless a sentinel already exists)
so the copy runs under the slot's snapshot, then after the copy enables
apply and stays resident streaming CDC changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := finalizeCopyConfig(); err != nil {
			return err
		}

		p := paths()
		if err := workdir.Initialize(p, cfg.Copy.Restart, cfg.Copy.Resume); err != nil {
			return err
		}
		defer workdir.Release(p)

		ctx := cmd.Context()
		source, dest, err := connectPools(ctx)
		if err != nil {
			return err
		}
		defer source.Close()
		defer dest.Close()

		mig := schema.NewMigrator(source, dest, logger)
		if err := dumpSchemaIfNeeded(ctx, mig, p); err != nil {
			return err
		}

		// With --follow the replication slot must exist before any table
		// data is read, so changes made during the copy are retained in
		// the slot; the copy then runs under the snapshot the slot
		// exported, making the CDC stream start exactly where the bulk
		// copy's view of the source ends.
		if copyDBFollow {
			closeSetup, err := setupFollowBeforeCopy(ctx, p)
			if err != nil {
				return err
			}
			defer closeSetup()
		}

		cat := catalog.New(source, logger)
		snap := snapshotmgr.New(source, logger)
		if _, err := snap.Prepare(ctx, cfg.Copy.Consistent, cfg.Copy.SnapshotID, p.Snapshot); err != nil {
			return fmt.Errorf("prepare snapshot: %w", err)
		}
		defer snap.Close(ctx) //nolint:errcheck

		coll := metrics.NewCollector(logger)
		defer coll.Close()
		coll.SetPhase("copying")

		orc := orchestrator.New(source, dest, cat, snap, mig, p, coll, cfg.Copy, logger)
		err = runWithLiveViews(ctx, coll, copyDBAPIPort, copyDBTUI, func() error {
			return orc.CopyDB(ctx)
		})
		if err != nil {
			return fmt.Errorf("copy-db: %w", err)
		}
		coll.SetPhase("copy complete")

		var out strings.Builder
		report.Render(&out, coll.Snapshot())
		if timings, err := report.StepTimings(p); err == nil {
			report.RenderStepTimings(&out, timings)
		}
		fmt.Fprintln(os.Stdout, out.String())

		if !copyDBFollow {
			return nil
		}

		// The target now holds a faithful snapshot: let apply start
		// replaying the changes received while the copy ran.
		store := sentinel.NewStore(p.SentinelFile, logger)
		if _, err := store.SetApply(ctx, true); err != nil {
			return fmt.Errorf("enable apply: %w", err)
		}

		return runFollow(ctx, source, dest, p, "")
	},
}

// setupFollowBeforeCopy creates the replication slot, origin, and
// sentinel record ahead of the bulk copy, and points the copy at the
// slot's exported snapshot when no snapshot was chosen explicitly. The
// returned closer keeps the slot-creating replication connection open
// until then: the exported snapshot is only valid for that session's
// lifetime.
func setupFollowBeforeCopy(ctx context.Context, p *workdir.Paths) (func(), error) {
	if fileExists(p.SentinelFile) {
		return func() {}, nil
	}
	if err := ensureCDCDirs(p); err != nil {
		return nil, err
	}

	repConn, err := pgconn.Connect(ctx, cfg.Source.ReplicationDSN())
	if err != nil {
		return nil, fmt.Errorf("connect for replication: %w", err)
	}
	closer := func() { repConn.Close(context.Background()) }

	r := receive.New(repConn, receive.Options{
		SlotName:    cfg.Replication.SlotName,
		Publication: cfg.Replication.Publication,
		Plugin:      cfg.Replication.OutputPlugin,
		JSONDir:     p.CDCJSONDir,
		WalSegSz:    lsn.DefaultWalSegSz,
	}, nil, logger)

	startLSN, snapshotName, err := r.CreateSlot(ctx, 0)
	if err != nil {
		closer()
		return nil, fmt.Errorf("create replication slot: %w", err)
	}

	originConn, err := pgconn.Connect(ctx, cfg.Dest.DSN())
	if err != nil {
		closer()
		return nil, fmt.Errorf("connect for origin setup: %w", err)
	}
	wireConn := pgwire.NewConn(originConn, logger)
	err = wireConn.SetReplicationOrigin(ctx, cfg.Replication.OriginID)
	originConn.Close(context.Background())
	if err != nil {
		closer()
		return nil, fmt.Errorf("setup replication origin: %w", err)
	}

	if err := os.WriteFile(p.OriginFile, []byte(cfg.Replication.OriginID), 0o644); err != nil {
		closer()
		return nil, fmt.Errorf("write origin file: %w", err)
	}
	if err := writeWalSegSz(p, lsn.DefaultWalSegSz); err != nil {
		closer()
		return nil, fmt.Errorf("write wal segment size: %w", err)
	}
	store := sentinel.NewStore(p.SentinelFile, logger)
	if _, err := store.Init(ctx, startLSN); err != nil {
		closer()
		return nil, fmt.Errorf("init sentinel: %w", err)
	}

	if cfg.Copy.SnapshotID == "" && cfg.Copy.Consistent && snapshotName != "" {
		cfg.Copy.SnapshotID = snapshotName
	}
	logger.Info().Stringer("start_lsn", startLSN).Str("snapshot", snapshotName).
		Msg("replication slot created ahead of copy")
	return closer, nil
}

func init() {
	copyDBCmd.Flags().BoolVar(&copyDBFollow, "follow", false, "Transition into CDC streaming after the copy completes")
	addLiveViewFlags(copyDBCmd, &copyDBAPIPort, &copyDBTUI)
	rootCmd.AddCommand(copyDBCmd)
}

// dumpSchemaIfNeeded populates the pre-data/post-data dump files the
// orchestrator's restoreSection reads, skipping the (slow) pg_dump
// subprocess entirely when a prior --resume left them in place.
func dumpSchemaIfNeeded(ctx context.Context, mig *schema.Migrator, p *workdir.Paths) error {
	if fileExists(p.PreDataDump) && fileExists(p.PostDataDump) {
		return nil
	}
	preData, err := mig.DumpSection(ctx, cfg.Source.DSN(), "pre-data")
	if err != nil {
		return fmt.Errorf("dump pre-data: %w", err)
	}
	if err := os.WriteFile(p.PreDataDump, []byte(preData), 0o644); err != nil {
		return fmt.Errorf("write pre-data dump: %w", err)
	}
	postData, err := mig.DumpSection(ctx, cfg.Source.DSN(), "post-data")
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

