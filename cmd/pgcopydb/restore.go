package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/schema"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Apply a previously dumped DDL file to the target database",
}

var restoreSchemaCmd = &cobra.Command{
	Use:   "schema PATH",
	Short: "Apply a full schema dump to the target",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

var restorePreDataCmd = &cobra.Command{
	Use:   "pre-data PATH",
	Short: "Apply a pre-data dump to the target",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

var restorePostDataCmd = &cobra.Command{
	Use:   "post-data PATH",
	Short: "Apply a post-data dump to the target",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

var restoreParseListCmd = &cobra.Command{
	Use:   "parse-list PATH",
	Short: "Print the statements a restore of PATH would run, without applying them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		for i, stmt := range schema.ParseStatements(string(data)) {
			fmt.Printf("%4d  %s\n", i+1, firstLine(stmt))
		}
		return nil
	},
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	dest, err := destPool(ctx)
	if err != nil {
		return err
	}
	defer dest.Close()

	mig := schema.NewMigrator(nil, dest, logger)
	return mig.ApplySchema(ctx, string(data))
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i] + " ..."
	}
	return stmt
}

func init() {
	restoreCmd.AddCommand(restoreSchemaCmd, restorePreDataCmd, restorePostDataCmd, restoreParseListCmd)
	rootCmd.AddCommand(restoreCmd)
}
