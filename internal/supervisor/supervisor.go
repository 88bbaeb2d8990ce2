// Package supervisor runs a set of long-lived workers (the CDC receive/
// transform/apply trio, or a copy orchestrator phase) under one signal
// handler (C10): on SIGINT/SIGTERM it cancels every worker's context and
// waits for them to drain, forcing the work directory's pidfile to be
// released either way so a crashed or killed run doesn't wedge the next
// invocation behind a stale lock.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgcopydb/internal/workdir"
)

// Worker is one supervised unit of long-running work. Run must return
// promptly once its context is cancelled.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor coordinates shutdown across a fixed set of workers.
type Supervisor struct {
	logger       zerolog.Logger
	drainTimeout time.Duration
	paths        *workdir.Paths
}

// New creates a Supervisor. drainTimeout bounds how long Run waits for
// workers to exit after a shutdown signal before giving up and returning
// an error; paths may be nil when no work directory pidfile needs
// releasing (e.g. a supervisor over a one-shot CLI verb).
func New(logger zerolog.Logger, drainTimeout time.Duration, paths *workdir.Paths) *Supervisor {
	return &Supervisor{
		logger:       logger.With().Str("component", "supervisor").Logger(),
		drainTimeout: drainTimeout,
		paths:        paths,
	}
}

// Run starts every worker concurrently and blocks until they all exit.
// A worker returning an error cancels the rest; a worker returning nil
// leaves the others running. On SIGINT/SIGTERM every worker is cancelled
// and Run waits up to drainTimeout for them to drain. The work
// directory's pidfile, if configured, is always released before Run
// returns.
func (s *Supervisor) Run(ctx context.Context, workers ...Worker) error {
	if s.paths != nil {
		defer workdir.Release(s.paths)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			s.logger.Info().Str("worker", w.Name).Msg("worker starting")
			err := w.Run(gctx)
			if err != nil {
				s.logger.Err(err).Str("worker", w.Name).Msg("worker exited with error")
			} else {
				s.logger.Info().Str("worker", w.Name).Msg("worker exited")
			}
			return err
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-sigCtx.Done():
		s.logger.Info().Msg("shutdown signal received, waiting for workers to drain")
		select {
		case err := <-done:
			return err
		case <-time.After(s.drainTimeout):
			return fmt.Errorf("supervisor: %d worker(s) did not drain within %s", len(workers), s.drainTimeout)
		}
	}
}

// Stop sends the given process a graceful-then-forced shutdown sequence
// (SIGTERM, poll, SIGKILL) for the cases where a worker is a separate OS
// process rather than an in-process goroutine (e.g. `stream apply`
// launched as its own invocation alongside `stream receive`).
func Stop(pid int, timeout time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return proc.Signal(syscall.SIGKILL)
}
