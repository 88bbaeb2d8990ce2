package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/appconfig"
	"github.com/jfoltran/pgcopydb/internal/daemon"
)

var daemonAddr string

// daemonClient builds an API client from --daemon-addr, falling back to
// 127.0.0.1 on the daemon config's port so `jobs`/`runs` subcommands work
// against a daemon started with defaults.
func daemonClient() (*daemon.Client, error) {
	addr := daemonAddr
	if addr == "" {
		appCfg, err := appconfig.Load(daemonConfigPath)
		if err != nil {
			return nil, err
		}
		addr = fmt.Sprintf("http://127.0.0.1:%d", appCfg.Server.Port)
	}
	return daemon.NewClient(addr), nil
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and control jobs on a running daemon",
}

var jobsCloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Submit a clone job to the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient()
		if err != nil {
			return err
		}
		resp, err := c.SubmitClone(daemon.ClonePayload{
			SourceURI:   sourceURI,
			DestURI:     destURI,
			Follow:      jobsFollow,
			Resume:      cfg.Copy.Resume,
			SlotName:    cfg.Replication.SlotName,
			Publication: cfg.Replication.Publication,
			Workers:     cfg.Copy.TableJobs,
		})
		return printJobResponse(resp, err)
	},
}

var jobsFollowCmd = &cobra.Command{
	Use:   "follow",
	Short: "Submit a follow (CDC-only) job to the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient()
		if err != nil {
			return err
		}
		resp, err := c.SubmitFollow(daemon.FollowPayload{
			SourceURI:   sourceURI,
			DestURI:     destURI,
			StartLSN:    jobsStartLSN,
			SlotName:    cfg.Replication.SlotName,
			Publication: cfg.Replication.Publication,
		})
		return printJobResponse(resp, err)
	},
}

var jobsSwitchoverCmd = &cobra.Command{
	Use:   "switchover",
	Short: "Submit a switchover job to the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient()
		if err != nil {
			return err
		}
		resp, err := c.SubmitSwitchover(daemon.SwitchoverPayload{
			SourceURI:   sourceURI,
			DestURI:     destURI,
			SlotName:    cfg.Replication.SlotName,
			Publication: cfg.Replication.Publication,
			TimeoutSec:  jobsTimeoutSec,
		})
		return printJobResponse(resp, err)
	},
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon's currently running job",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient()
		if err != nil {
			return err
		}
		resp, err := c.StopJob()
		return printJobResponse(resp, err)
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's current job status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient()
		if err != nil {
			return err
		}
		status, err := c.JobStatus()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

var (
	jobsFollow     bool
	jobsStartLSN   string
	jobsTimeoutSec int
)

func init() {
	jobsCmd.PersistentFlags().StringVar(&daemonAddr, "daemon-addr", "", "Daemon API base URL (default: derived from daemon config)")

	jobsCloneCmd.Flags().BoolVar(&jobsFollow, "follow", false, "Transition into CDC follow mode once the clone completes")
	jobsFollowCmd.Flags().StringVar(&jobsStartLSN, "start-lsn", "", "Resume streaming from this LSN instead of the sentinel's recorded position")
	jobsSwitchoverCmd.Flags().IntVar(&jobsTimeoutSec, "timeout", 30, "Seconds to wait for the follower to reach the end LSN")

	jobsCmd.AddCommand(jobsCloneCmd, jobsFollowCmd, jobsSwitchoverCmd, jobsStopCmd, jobsStatusCmd)
	rootCmd.AddCommand(jobsCmd)
}

func printJobResponse(resp *daemon.JobResponse, err error) error {
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println(resp.Message)
	return nil
}
