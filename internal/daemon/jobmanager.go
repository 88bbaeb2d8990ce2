package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/config"
	"github.com/jfoltran/pgcopydb/internal/metrics"
	"github.com/jfoltran/pgcopydb/internal/runjob"
	"github.com/jfoltran/pgcopydb/internal/runstore"
)

// JobManager manages the currently running copy-db/stream job.
// Only one job can run at a time.
type JobManager struct {
	logger    zerolog.Logger
	collector *metrics.Collector
	runs      *runstore.Store

	mu      sync.Mutex
	job     *runjob.Job
	cancel  context.CancelFunc
	jobErr  error
	running bool
}

// SetRunStore attaches a run-history store. When set, every job submitted
// through start gets a runstore row that tracks its progress and final
// status; when nil, JobManager works exactly as before (no recording).
func (jm *JobManager) SetRunStore(rs *runstore.Store) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.runs = rs
}

// NewJobManager creates a new JobManager.
func NewJobManager(collector *metrics.Collector, logger zerolog.Logger) *JobManager {
	return &JobManager{
		logger:    logger.With().Str("component", "job-manager").Logger(),
		collector: collector,
	}
}

// IsRunning returns true if a job is currently active.
func (jm *JobManager) IsRunning() bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.running
}

// LastError returns the error from the last completed job (nil if success or still running).
func (jm *JobManager) LastError() error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.jobErr
}

func (jm *JobManager) start(parentCtx context.Context, cfg *config.Config, mode runstore.Mode, run func(ctx context.Context, j *runjob.Job) error) error {
	jm.mu.Lock()
	if jm.running {
		jm.mu.Unlock()
		return fmt.Errorf("a job is already running")
	}
	jm.running = true
	jm.jobErr = nil
	runs := jm.runs
	jm.mu.Unlock()

	logWriter := metrics.NewLogWriter(jm.collector)
	jobLogger := zerolog.New(zerolog.MultiLevelWriter(jm.logger, logWriter)).
		With().Timestamp().Logger().Level(jm.logger.GetLevel())

	j := runjob.New(cfg, jm.collector, jobLogger)
	ctx, cancel := context.WithCancel(parentCtx)

	jm.mu.Lock()
	jm.job = j
	jm.cancel = cancel
	jm.mu.Unlock()

	var runID string
	if runs != nil {
		id, err := runs.Create(parentCtx, runstore.Run{
			Mode:        mode,
			SlotName:    cfg.Replication.SlotName,
			Publication: cfg.Replication.Publication,
			CopyWorkers: cfg.Copy.TableJobs,
		})
		if err != nil {
			jm.logger.Err(err).Msg("record run start failed")
		} else {
			runID = id
		}
	}

	progressDone := make(chan struct{})
	if runs != nil && runID != "" {
		go jm.recordProgress(ctx, runs, runID, progressDone)
	} else {
		close(progressDone)
	}

	go func() {
		err := run(ctx, j)
		cancel()
		<-progressDone

		jm.mu.Lock()
		jm.running = false
		jm.jobErr = err
		jm.job = nil
		jm.cancel = nil
		jm.mu.Unlock()

		j.Close()

		if runs != nil && runID != "" {
			status := runstore.StatusCompleted
			errMsg := ""
			switch {
			case err != nil && err != context.Canceled:
				status = runstore.StatusFailed
				errMsg = err.Error()
			case err == context.Canceled:
				status = runstore.StatusStopped
			}
			snap := jm.collector.Snapshot()
			if uerr := runs.UpdateStatus(context.Background(), runID, status, snap.Phase, errMsg); uerr != nil {
				jm.logger.Err(uerr).Msg("record run completion failed")
			}
		}

		if err != nil && err != context.Canceled {
			jm.logger.Err(err).Msg("job finished with error")
		} else {
			jm.logger.Info().Msg("job finished successfully")
		}
	}()

	return nil
}

// recordProgress periodically copies the live metrics snapshot into the
// run's runstore row until ctx is cancelled, so `runs list`/`runs get`
// reflect an in-progress job, not just its final state.
func (jm *JobManager) recordProgress(ctx context.Context, runs *runstore.Store, runID string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := jm.collector.Snapshot()
			if err := runs.UpdateProgress(context.Background(), runID, snap.Phase, snap.AppliedLSN, snap.TablesTotal, snap.TablesCopied); err != nil {
				jm.logger.Err(err).Msg("record run progress failed")
				return
			}
		}
	}
}

// RunClone starts a clone job in the background.
func (jm *JobManager) RunClone(parentCtx context.Context, cfg *config.Config, follow, resume bool) error {
	cfg.Copy.Resume = resume
	mode := runstore.ModeClone
	if follow || resume {
		mode = runstore.ModeCloneAndFollow
	}
	return jm.start(parentCtx, cfg, mode, func(ctx context.Context, j *runjob.Job) error {
		if follow || resume {
			return j.RunCloneAndFollow(ctx)
		}
		return j.RunClone(ctx)
	})
}

// RunFollow starts a follow (CDC-only) job in the background.
func (jm *JobManager) RunFollow(parentCtx context.Context, cfg *config.Config, startLSN string) error {
	var lsn pglogrepl.LSN
	if startLSN != "" {
		var err error
		lsn, err = pglogrepl.ParseLSN(startLSN)
		if err != nil {
			return fmt.Errorf("invalid start LSN: %w", err)
		}
	}
	return jm.start(parentCtx, cfg, runstore.ModeFollow, func(ctx context.Context, j *runjob.Job) error {
		return j.RunFollow(ctx, lsn)
	})
}

// RunSwitchover starts a switchover job in the background.
func (jm *JobManager) RunSwitchover(parentCtx context.Context, cfg *config.Config, timeout time.Duration) error {
	return jm.start(parentCtx, cfg, runstore.ModeSwitchover, func(ctx context.Context, j *runjob.Job) error {
		return j.RunSwitchover(ctx, timeout)
	})
}

// StopJob cancels the currently running job.
func (jm *JobManager) StopJob() error {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if !jm.running || jm.cancel == nil {
		return fmt.Errorf("no job is running")
	}
	jm.cancel()
	return nil
}

// Collector returns the shared metrics collector.
func (jm *JobManager) Collector() *metrics.Collector {
	return jm.collector
}
