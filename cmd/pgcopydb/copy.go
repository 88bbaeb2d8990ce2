package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/metrics"
	"github.com/jfoltran/pgcopydb/internal/orchestrator"
	"github.com/jfoltran/pgcopydb/internal/schema"
	"github.com/jfoltran/pgcopydb/internal/snapshotmgr"
)

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Run one phase of a copy-db run in isolation",
	Long: `copy exposes the individual phases copy-db runs in sequence — useful
for resuming a single stuck phase, or for driving the pipeline by hand
from a script.`,
}

var copyDataCmd = &cobra.Command{
	Use:   "data",
	Short: "COPY every table's data (equivalent to copy-db's data phase)",
	RunE:  runCopyPhase(func(ctx context.Context, orc *orchestrator.Orchestrator, tables []catalog.SourceTable) error {
		return orc.CopyTables(ctx, tables)
	}),
}

var copyTableDataName string

var copyTableDataCmd = &cobra.Command{
	Use:   "table-data",
	Short: "COPY a single table's data",
	RunE: runCopyPhase(func(ctx context.Context, orc *orchestrator.Orchestrator, tables []catalog.SourceTable) error {
		if copyTableDataName == "" {
			return fmt.Errorf("--table is required")
		}
		var match []catalog.SourceTable
		for _, t := range tables {
			if t.QualifiedName() == copyTableDataName || t.Relation == copyTableDataName {
				match = append(match, t)
			}
		}
		if len(match) == 0 {
			return fmt.Errorf("table %q not found", copyTableDataName)
		}
		return orc.CopyTables(ctx, match)
	}),
}

var copyBlobsCmd = &cobra.Command{
	Use:   "blobs",
	Short: "Copy large objects",
	RunE: runCopyPhase(func(ctx context.Context, orc *orchestrator.Orchestrator, tables []catalog.SourceTable) error {
		return orc.CopyBlobs(ctx)
	}),
}

var copySequencesCmd = &cobra.Command{
	Use:   "sequences",
	Short: "Copy sequence last-values",
	RunE: runCopyPhase(func(ctx context.Context, orc *orchestrator.Orchestrator, tables []catalog.SourceTable) error {
		return orc.CopySequences(ctx)
	}),
}

var copyIndexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "Build every index (and the constraints that depend on them)",
	RunE: runCopyPhase(func(ctx context.Context, orc *orchestrator.Orchestrator, tables []catalog.SourceTable) error {
		return orc.CopyIndexes(ctx, tables)
	}),
}

// copyConstraintsCmd is an alias for copyIndexesCmd: the orchestrator
// attaches a constraint in the same pass it builds the index backing
// it, so there is no separate constraints-only phase to run. Re-running
// indexes is a no-op for indexes already done thanks to the per-index
// done-file.
var copyConstraintsCmd = &cobra.Command{
	Use:   "constraints",
	Short: "Attach constraints (alias for \"indexes\"; constraints attach alongside their backing index)",
	RunE: runCopyPhase(func(ctx context.Context, orc *orchestrator.Orchestrator, tables []catalog.SourceTable) error {
		return orc.CopyIndexes(ctx, tables)
	}),
}

func init() {
	copyTableDataCmd.Flags().StringVar(&copyTableDataName, "table", "", "Qualified or bare table name to copy")
	copyCmd.AddCommand(copyDataCmd, copyTableDataCmd, copyBlobsCmd, copySequencesCmd, copyIndexesCmd, copyConstraintsCmd)
	rootCmd.AddCommand(copyCmd)
}

// runCopyPhase builds the shared source/dest pools, catalog, snapshot,
// and orchestrator every individual copy phase needs, then hands the
// resulting table list to fn.
func runCopyPhase(fn func(ctx context.Context, orc *orchestrator.Orchestrator, tables []catalog.SourceTable) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := finalizeCopyConfig(); err != nil {
			return err
		}
		ctx := cmd.Context()
		p := paths()

		source, dest, err := connectPools(ctx)
		if err != nil {
			return err
		}
		defer source.Close()
		defer dest.Close()

		cat := catalog.New(source, logger)
		tables, err := cat.ListTables(ctx, cfg.Copy.SplitThresholdBytes)
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}

		snap := snapshotmgr.New(source, logger)
		if _, err := snap.Prepare(ctx, cfg.Copy.Consistent, cfg.Copy.SnapshotID, p.Snapshot); err != nil {
			return fmt.Errorf("prepare snapshot: %w", err)
		}
		defer snap.Close(ctx) //nolint:errcheck

		mig := schema.NewMigrator(source, dest, logger)
		coll := metrics.NewCollector(logger)
		defer coll.Close()

		orc := orchestrator.New(source, dest, cat, snap, mig, p, coll, cfg.Copy, logger)
		return fn(ctx, orc, tables)
	}
}
