package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/schema"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List objects on the source database",
}

var listExtensionsCmd = &cobra.Command{
	Use:   "extensions",
	Short: "List installed extensions",
	RunE: withSourcePool(func(ctx context.Context, cat *catalog.Catalog) error {
		exts, err := cat.ListExtensions(ctx)
		if err != nil {
			return fmt.Errorf("list extensions: %w", err)
		}
		for _, e := range exts {
			fmt.Println(e)
		}
		return nil
	}),
}

var listTablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List user tables, their size, and row estimate",
	RunE: withSourcePool(func(ctx context.Context, cat *catalog.Catalog) error {
		tables, err := cat.ListTables(ctx, cfg.Copy.SplitThresholdBytes)
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tBYTES\tROWS\tPARTS")
		for _, t := range tables {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", t.QualifiedName(), t.Bytes, t.RowEstimate, len(t.Parts))
		}
		return w.Flush()
	}),
}

var listIndexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "List indexes for every user table",
	RunE: withSourcePool(func(ctx context.Context, cat *catalog.Catalog) error {
		tables, err := cat.ListTables(ctx, 0)
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tINDEX\tCONSTRAINT")
		for _, t := range tables {
			for _, idx := range t.IndexList {
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.QualifiedName(), idx.IndexRelation, idx.ConstraintName)
			}
		}
		return w.Flush()
	}),
}

var listSequencesCmd = &cobra.Command{
	Use:   "sequences",
	Short: "List sequences and their current value",
	RunE: withSourcePool(func(ctx context.Context, cat *catalog.Catalog) error {
		seqs, err := cat.ListSequences(ctx)
		if err != nil {
			return fmt.Errorf("list sequences: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "SEQUENCE\tLAST VALUE")
		for _, s := range seqs {
			fmt.Fprintf(w, "%s.%s\t%d\n", s.Namespace, s.Name, s.LastValue)
		}
		return w.Flush()
	}),
}

var listSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the source schema (equivalent to dump schema)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mig := schema.NewMigrator(nil, nil, logger)
		ddl, err := mig.DumpSchema(ctx, cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("dump schema: %w", err)
		}
		fmt.Print(ddl)
		return nil
	},
}

func init() {
	listCmd.AddCommand(listExtensionsCmd, listTablesCmd, listIndexesCmd, listSequencesCmd, listSchemaCmd)
	rootCmd.AddCommand(listCmd)
}

// withSourcePool opens a connection pool to the source database,
// builds a catalog.Catalog over it, and hands both to fn, closing the
// pool afterward — the shape every read-only listing verb shares.
func withSourcePool(fn func(ctx context.Context, cat *catalog.Catalog) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pool, err := sourcePool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, catalog.New(pool, logger))
	}
}
