package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/schema"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump DDL from the source database to stdout",
}

var dumpSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Dump the full schema (pg_dump --schema-only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mig := schema.NewMigrator(nil, nil, logger)
		ddl, err := mig.DumpSchema(cmd.Context(), cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("dump schema: %w", err)
		}
		fmt.Print(ddl)
		return nil
	},
}

var dumpPreDataCmd = &cobra.Command{
	Use:   "pre-data",
	Short: "Dump the pre-data section (tables, types, no indexes or constraints)",
	RunE:  runDumpSection("pre-data"),
}

var dumpPostDataCmd = &cobra.Command{
	Use:   "post-data",
	Short: "Dump the post-data section (indexes, constraints, triggers, rules)",
	RunE:  runDumpSection("post-data"),
}

func runDumpSection(section string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		mig := schema.NewMigrator(nil, nil, logger)
		ddl, err := mig.DumpSection(cmd.Context(), cfg.Source.DSN(), section)
		if err != nil {
			return fmt.Errorf("dump %s: %w", section, err)
		}
		fmt.Print(ddl)
		return nil
	}
}

func init() {
	dumpCmd.AddCommand(dumpSchemaCmd, dumpPreDataCmd, dumpPostDataCmd)
	rootCmd.AddCommand(dumpCmd)
}
