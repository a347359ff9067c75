package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// sweepInterval paces the watchdog. Enforcement is worker-side first;
// the sweep only has to catch what the worker could not report.
const sweepInterval = 10 * time.Second

// Watchdog is the server-side backup enforcer. It promotes due delayed
// runs and finishes RUNNING runs whose worker can no longer do it:
// timeouts past the margin, cancels past the grace period and runs
// owned by a worker that stopped heartbeating.
type Watchdog struct {
	e *Engine
}

// NewWatchdog wires a watchdog over the engine.
func NewWatchdog(e *Engine) *Watchdog {
	return &Watchdog{e: e}
}

// Run sweeps until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) {
	w.e.logger.Info("watchdog started", "interval", sweepInterval.String())
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one enforcement pass.
func (w *Watchdog) Sweep(ctx context.Context) {
	now := w.e.clk.Now()

	if n, err := w.e.q.PromoteDue(ctx, now); err != nil {
		w.e.logger.Warn("promote delayed runs failed", "error", err)
	} else if n > 0 {
		w.e.logger.Info("promoted delayed runs", "count", n)
	}

	running, err := w.e.st.ListRunning()
	if err != nil {
		w.e.logger.Error("list running runs failed", "error", err)
		return
	}
	for _, run := range running {
		w.enforce(ctx, run, now)
	}
}

func (w *Watchdog) enforce(ctx context.Context, run *store.Run, now time.Time) {
	// Cancel grace: the worker had its chance to stop cooperatively.
	if run.CancelRequested && run.CanceledAt != nil &&
		now.Sub(*run.CanceledAt) > w.e.cfg.Runs.CancelGrace {
		w.finish(ctx, run, store.RunCanceled,
			fmt.Sprintf("force-canceled after %s grace", w.e.cfg.Runs.CancelGrace))
		return
	}

	// Backup timeout: worker-side enforcement gets the margin first.
	if run.StartedAt != nil && run.TimeoutSeconds > 0 {
		deadline := run.StartedAt.Add(
			time.Duration(run.TimeoutSeconds)*time.Second + w.e.cfg.Runs.WatchdogMargin)
		if now.After(deadline) {
			w.fail(ctx, run, "TIMEOUT")
			return
		}
	}

	// Worker lost: heartbeat gone well past the stale threshold.
	if run.WorkerID != "" {
		worker, err := w.e.st.GetWorker(run.WorkerID)
		lost := errors.Is(err, store.ErrNotFound)
		if err == nil && now.Sub(worker.LastHeartbeat) > 2*w.e.cfg.Worker.StaleAfter {
			lost = true
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			w.e.logger.Error("load worker failed", "worker_id", run.WorkerID, "error", err)
			return
		}
		if lost {
			w.fail(ctx, run, "worker lost")
		}
	}
}

// fail routes a forced FAILED finish through ReportFinish, so a
// scheduled run killed by the watchdog keeps its retry budget.
func (w *Watchdog) fail(ctx context.Context, run *store.Run, message string) {
	finished, err := w.e.ReportFinish(ctx, run.RunID, store.RunFailed, message)
	if err != nil {
		w.e.logger.Error("watchdog finish failed", "run_id", run.RunID, "error", err)
		return
	}
	if finished.Status != store.RunFailed {
		// Lost the race against another terminal transition.
		return
	}
	w.report(ctx, run, finished.Status, message)
}

func (w *Watchdog) finish(ctx context.Context, run *store.Run, status store.RunStatus, message string) {
	canceledBy := ""
	if status == store.RunCanceled {
		canceledBy = "watchdog"
	}
	finished, done, err := w.e.st.FinishRun(run.RunID, status, truncateError(message), canceledBy, w.e.clk.Now())
	if err != nil {
		w.e.logger.Error("watchdog finish failed", "run_id", run.RunID, "error", err)
		return
	}
	if !done {
		return
	}
	w.report(ctx, run, finished.Status, message)
}

func (w *Watchdog) report(ctx context.Context, run *store.Run, status store.RunStatus, message string) {
	w.e.logger.Warn("watchdog finished run",
		"run_id", run.RunID, "worker_id", run.WorkerID, "status", status, "reason", message)
	w.e.logLine(ctx, run.RunID, store.LevelError, fmt.Sprintf("Watchdog: %s", message))

	// Best effort: tell the worker to stop the child if it is still up.
	if run.WorkerID != "" {
		if err := w.e.q.PublishKill(ctx, run.WorkerID, run.RunID); err != nil {
			w.e.logger.Warn("publish kill order failed", "run_id", run.RunID, "error", err)
		}
	}
}
