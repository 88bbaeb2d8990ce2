package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcopydb/internal/appconfig"
	"github.com/jfoltran/pgcopydb/internal/daemon"
	"github.com/jfoltran/pgcopydb/internal/metrics"
	"github.com/jfoltran/pgcopydb/internal/runstore"
	"github.com/jfoltran/pgcopydb/internal/server"
)

var (
	daemonConfigPath string
	daemonForeground bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run pgcopydb as a background service exposing a job-control API and run history",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemon.IsDaemonProcess() || daemonForeground {
			return runDaemon(cmd.Context())
		}

		if _, alive := daemon.IsRunning(); alive {
			return fmt.Errorf("daemon is already running")
		}

		pid, err := daemon.Background(os.Args)
		if err != nil {
			return err
		}
		fmt.Printf("daemon started, pid %d\n", pid)
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemon.Stop()
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		appCfg, err := appconfig.Load(daemonConfigPath)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(daemon.StatusInfo(appCfg.Server.Port))
	},
}

func init() {
	daemonCmd.PersistentFlags().StringVar(&daemonConfigPath, "config", "",
		"Path to daemon config.toml (default: ~/.pgcopydb/config.toml or /etc/pgcopydb/config.toml)")
	daemonStartCmd.Flags().BoolVar(&daemonForeground, "foreground", false,
		"Run in the foreground instead of forking a background process")
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// runDaemon is the body of the backgrounded (or --foreground) daemon
// process: it wires the metrics collector, job manager, and run-history
// store into the HTTP server and blocks until signalled.
func runDaemon(ctx context.Context) error {
	appCfg, err := appconfig.Load(daemonConfigPath)
	if err != nil {
		return fmt.Errorf("load daemon config: %w", err)
	}

	dlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	if appCfg.Logging.Format == "json" {
		dlog = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(appCfg.Logging.Level); err == nil {
		dlog = dlog.Level(lvl)
	}

	if err := daemon.WritePID(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer daemon.RemovePID()

	collector := metrics.NewCollector(dlog)
	jm := daemon.NewJobManager(collector, dlog)

	runPool, err := pgxpool.New(ctx, appCfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to run-history database: %w", err)
	}
	defer runPool.Close()

	runs, err := runstore.Open(ctx, runPool, appCfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}

	jm.SetRunStore(runs)

	srv := server.New(collector, &cfg, dlog)
	srv.SetJobManager(jm)
	srv.SetRunStore(runs)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		dlog.Info().Msg("received shutdown signal")
		cancel()
	}()

	dlog.Info().Int("port", appCfg.Server.Port).Msg("daemon listening")
	return srv.Start(runCtx, appCfg.Server.Port)
}
