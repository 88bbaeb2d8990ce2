package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the daemon's run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List past and current runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient()
		if err != nil {
			return err
		}
		runs, err := c.ListRuns()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMODE\tSTATUS\tPHASE\tTABLES")
		for _, r := range runs {
			fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v/%v\n",
				r["id"], r["mode"], r["status"], r["phase"], r["tables_copied"], r["tables_total"])
		}
		return w.Flush()
	},
}

var runsGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show details for a single run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient()
		if err != nil {
			return err
		}
		run, err := c.GetRun(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runsCmd.AddCommand(runsListCmd, runsGetCmd)
	rootCmd.AddCommand(runsCmd)
}
