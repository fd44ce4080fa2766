// SPDX-License-Identifier: MIT

// Package worker runs the long-lived queue drain loop: claim a job, bind
// it to this process, execute it with heartbeats and a per-job log, and
// release it into a terminal state. Stop conditions (max files, max
// duration, end-by clock time) bound unattended runs.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vpo-project/vpo/internal/catalog"
	"github.com/vpo-project/vpo/internal/config"
	"github.com/vpo-project/vpo/internal/joblog"
	"github.com/vpo-project/vpo/internal/log"
	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/store"
	"github.com/vpo-project/vpo/internal/tools"
)

const (
	heartbeatInterval  = 30 * time.Second
	heartbeatFailLimit = 3
	defaultPoll        = 2 * time.Second
	maintenanceSpec    = "17 3 * * *"
)

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vpo_worker_jobs_total",
	Help: "Jobs executed by terminal status.",
}, []string{"status"})

// Worker drains the queue until stopped.
type Worker struct {
	Cfg     config.Config
	DB      *store.Store
	Queue   *queue.Queue
	Toolset *tools.Toolset
	Scanner *catalog.Scanner

	// PID identifies this worker in job rows. Defaults to os.Getpid().
	PID int
	// Poll is the idle sleep between empty claims. Defaults to 2s.
	Poll time.Duration
	// ExitWhenIdle stops the loop on the first empty claim instead of
	// polling. Used by one-shot drains and tests.
	ExitWhenIdle bool

	shutdown atomic.Bool
	logger   zerolog.Logger
}

// New wires a worker over shared components.
func New(cfg config.Config, db *store.Store, q *queue.Queue, ts *tools.Toolset, sc *catalog.Scanner) *Worker {
	return &Worker{
		Cfg:     cfg,
		DB:      db,
		Queue:   q,
		Toolset: ts,
		Scanner: sc,
		PID:     os.Getpid(),
		Poll:    defaultPoll,
		logger:  log.WithComponent("worker"),
	}
}

// RequestShutdown asks the drain loop to stop after the current job.
func (w *Worker) RequestShutdown() {
	w.shutdown.Store(true)
}

// Run executes the drain loop until the context is cancelled or a stop
// condition trips. Startup recovers stale jobs and purges expired ones;
// a cron schedule keeps retention running during long sessions.
func (w *Worker) Run(ctx context.Context) error {
	start := time.Now()
	deadline := w.deadline(start)

	w.logger.Info().
		Int("pid", w.PID).
		Int("max_files", w.Cfg.Worker.MaxFiles).
		Str("end_by", w.Cfg.Worker.EndBy).
		Msg("worker starting")

	if n, err := w.Queue.RecoverStale(ctx, queue.StaleTimeout); err != nil {
		return fmt.Errorf("worker: recover stale jobs: %w", err)
	} else if n > 0 {
		w.logger.Warn().Int("jobs", n).Msg("requeued stale jobs from a previous run")
	}
	w.runMaintenance(ctx)

	sched := cron.New()
	if _, err := sched.AddFunc(maintenanceSpec, func() { w.runMaintenance(ctx) }); err != nil {
		return fmt.Errorf("worker: schedule maintenance: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	processed := 0
	for {
		if reason := w.stopReason(ctx, start, deadline, processed); reason != "" {
			w.logger.Info().Str("reason", reason).Int("processed", processed).Msg("worker stopping")
			return nil
		}

		job, err := w.Queue.Claim(ctx, w.PID)
		if err != nil {
			return fmt.Errorf("worker: claim: %w", err)
		}
		if job == nil {
			if w.ExitWhenIdle {
				w.logger.Info().Int("processed", processed).Msg("queue drained")
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.pollInterval()):
			}
			continue
		}

		w.runJob(ctx, job)
		processed++
	}
}

func (w *Worker) pollInterval() time.Duration {
	if w.Poll > 0 {
		return w.Poll
	}
	return defaultPoll
}

// stopReason checks every stop condition. Empty means keep going.
func (w *Worker) stopReason(ctx context.Context, start time.Time, deadline time.Time, processed int) string {
	if ctx.Err() != nil {
		return "context cancelled"
	}
	if w.shutdown.Load() {
		return "shutdown requested"
	}
	if max := w.Cfg.Worker.MaxFiles; max > 0 && processed >= max {
		return "max_files reached"
	}
	if max := w.Cfg.Worker.MaxDuration; max > 0 && time.Since(start) >= time.Duration(max)*time.Second {
		return "max_duration reached"
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return "end_by reached"
	}
	return ""
}

// deadline resolves the end_by wall clock to its next occurrence after
// start. An end_by earlier in the day means tomorrow.
func (w *Worker) deadline(start time.Time) time.Time {
	endBy := w.Cfg.Worker.EndBy
	if endBy == "" {
		return time.Time{}
	}
	hm, err := time.Parse("15:04", endBy)
	if err != nil {
		return time.Time{}
	}
	d := time.Date(start.Year(), start.Month(), start.Day(),
		hm.Hour(), hm.Minute(), 0, 0, start.Location())
	if !d.After(start) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// runMaintenance ages out jobs and logs. Failures are logged, never
// fatal.
func (w *Worker) runMaintenance(ctx context.Context) {
	if days := w.Cfg.Jobs.RetentionDays; days > 0 {
		if n, err := w.Queue.PurgeTerminal(ctx, time.Duration(days)*24*time.Hour); err != nil {
			w.logger.Warn().Err(err).Msg("job purge failed")
		} else if n > 0 {
			w.logger.Info().Int("jobs", n).Msg("purged expired jobs")
		}
	}

	ret := joblog.NewRetention(w.Cfg.LogsDir(),
		time.Duration(w.Cfg.Jobs.LogCompressionDays)*24*time.Hour,
		time.Duration(w.Cfg.Jobs.LogDeletionDays)*24*time.Hour)
	ret.SweepDirs = w.Cfg.WatchDirs
	if _, err := ret.Run(); err != nil {
		w.logger.Warn().Err(err).Msg("log retention failed")
	}
}

// heartbeat stamps the job's liveness row every interval until done is
// closed. Repeated failures request a worker shutdown so a broken
// database stops the loop instead of silently losing jobs to stale
// recovery.
func (w *Worker) heartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := w.Queue.UpdateHeartbeat(ctx, jobID, w.PID)
			if err != nil {
				failures++
				w.logger.Warn().Err(err).Str("job", jobID).Int("failures", failures).
					Msg("heartbeat failed")
				if failures >= heartbeatFailLimit {
					w.logger.Error().Str("job", jobID).Msg("heartbeat lost, requesting shutdown")
					w.RequestShutdown()
					return
				}
				continue
			}
			failures = 0
			if !changed {
				// job no longer running under our pid: recovered or cancelled
				w.logger.Warn().Str("job", jobID).Msg("heartbeat found job no longer ours")
				return
			}
		}
	}
}
