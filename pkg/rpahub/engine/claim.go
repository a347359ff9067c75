package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/queue"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// deferBackoff holds back a run that kept bouncing when its schedule
// carries no retry backoff of its own.
const deferBackoff = time.Minute

// ClaimNext hands the worker its next run, blocking up to wait on an
// empty queue. Only a registered worker in RUNNING status with a fresh
// heartbeat may claim; anyone else gets their envelope put back. A
// dequeued envelope whose run is no longer claimable is dropped; one
// whose run is merely ineligible right now (execution window closed,
// concurrency cap reached) goes back to the queue, or to the delayed
// set once it has been deferred too often. Returns nil with no error
// when nothing was claimed this round.
func (e *Engine) ClaimNext(ctx context.Context, workerID string, wait time.Duration) (*store.Run, error) {
	now := e.clk.Now()
	if _, err := e.q.PromoteDue(ctx, now); err != nil {
		e.logger.Warn("promote delayed runs failed", "error", err)
	}

	env, err := e.q.Dequeue(ctx, wait)
	if err != nil || env == nil {
		return nil, err
	}

	run, err := e.st.GetRun(env.RunID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("dropping envelope for unknown run", "run_id", env.RunID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunPending {
		// Canceled while queued, or claimed through another path.
		return nil, nil
	}

	// The claimant itself must be fit to take work: registered, in
	// RUNNING status and with a heartbeat inside the stale threshold.
	// The run is not at fault, so the envelope keeps its deferral count.
	worker, err := e.st.GetWorker(workerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if worker == nil || worker.Status != store.WorkerRunning ||
		now.Sub(worker.LastHeartbeat) > e.cfg.Worker.StaleAfter {
		return nil, e.q.Enqueue(ctx, *env)
	}

	var sched *store.Schedule
	if run.ScheduleID != "" {
		sched, err = e.st.GetSchedule(run.ScheduleID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if run.TriggerType == store.TriggerScheduled && sched != nil {
		loc := clock.LoadLocation(sched.Timezone, e.cfg.Timezone)
		ok, werr := clock.InWindow(now, loc, sched.WindowStart, sched.WindowEnd)
		if werr != nil {
			e.logger.Warn("bad execution window on schedule", "schedule_id", sched.ID, "error", werr)
		} else if !ok {
			return nil, e.deferEnvelope(ctx, *env, sched, now)
		}
	}

	maxConcurrency := 0
	if sched != nil {
		maxConcurrency = sched.MaxConcurrency
	}
	claimed, err := e.st.TryClaim(run.RunID, workerID, maxConcurrency)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Distinguish a lost race (run left PENDING) from a full robot.
		cur, gerr := e.st.GetRun(run.RunID)
		if gerr != nil || cur.Status != store.RunPending {
			return nil, nil
		}
		return nil, e.deferEnvelope(ctx, *env, sched, now)
	}

	run, err = e.st.GetRun(run.RunID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// deferEnvelope requeues a still-eligible-later run. After MaxDeferrals
// consecutive bounces it is parked in the delayed set instead, so a
// blocked robot does not spin at the head of the queue.
func (e *Engine) deferEnvelope(ctx context.Context, env queue.Envelope, sched *store.Schedule, now time.Time) error {
	env.Deferrals++
	if env.Deferrals < e.cfg.Runs.MaxDeferrals {
		return e.q.Enqueue(ctx, env)
	}

	backoff := deferBackoff
	if sched != nil && sched.RetryBackoffSeconds > 0 {
		backoff = time.Duration(sched.RetryBackoffSeconds) * time.Second
	}
	env.Deferrals = 0
	return e.q.EnqueueAt(ctx, env, now.Add(backoff))
}

// ReportStart records where the claimed run actually began executing.
func (e *Engine) ReportStart(ctx context.Context, runID, host string, pid int) error {
	if err := e.st.MarkStarted(runID, host, pid, e.clk.Now()); err != nil {
		return err
	}
	e.logLine(ctx, runID, store.LevelInfo, fmt.Sprintf("Run started on %s (pid %d)", host, pid))
	return nil
}

// ReportFinish transitions a RUNNING run to its terminal status. A
// finish racing another terminal transition is a no-op returning the
// winner's state. A FAILED scheduled run with retry budget left gets a
// RETRY successor parked for the schedule's backoff.
func (e *Engine) ReportFinish(ctx context.Context, runID string, status store.RunStatus, errorMessage string) (*store.Run, error) {
	errorMessage = truncateError(errorMessage)
	run, finished, err := e.st.FinishRun(runID, status, errorMessage, "", e.clk.Now())
	if err != nil {
		return nil, err
	}
	if !finished {
		return run, nil
	}

	msg := fmt.Sprintf("Run finished: %s", run.Status)
	level := store.LevelInfo
	if run.Status == store.RunFailed {
		level = store.LevelError
		if errorMessage != "" {
			msg = fmt.Sprintf("Run finished: FAILED (%s)", errorMessage)
		}
	}
	e.logLine(ctx, runID, level, msg)

	if run.Status == store.RunFailed && !run.CancelRequested {
		e.maybeRetry(ctx, run)
	}
	return run, nil
}

// maybeRetry enqueues the RETRY successor of a failed scheduled run.
// Manual runs are never retried.
func (e *Engine) maybeRetry(ctx context.Context, run *store.Run) {
	if run.ScheduleID == "" {
		return
	}
	if run.TriggerType != store.TriggerScheduled && run.TriggerType != store.TriggerRetry {
		return
	}
	sched, err := e.st.GetSchedule(run.ScheduleID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		e.logger.Error("load schedule for retry failed", "run_id", run.RunID, "error", err)
		return
	}
	if run.Attempt > sched.RetryCount {
		return
	}

	backoff := time.Duration(sched.RetryBackoffSeconds) * time.Second
	if backoff <= 0 {
		backoff = deferBackoff
	}
	notBefore := e.clk.Now().Add(backoff)

	retry, err := e.CreateRun(ctx, CreateRunInput{
		RobotID:     run.RobotID,
		VersionID:   run.RobotVersionID,
		EnvName:     run.EnvName,
		TriggerType: store.TriggerRetry,
		ScheduleID:  run.ScheduleID,
		Attempt:     run.Attempt + 1,
		Params:      run.Params,
		TriggeredBy: "system:retry",
		NotBefore:   &notBefore,
	})
	if err != nil {
		e.logger.Error("create retry run failed", "run_id", run.RunID, "error", err)
		return
	}
	e.logLine(ctx, run.RunID, store.LevelInfo,
		fmt.Sprintf("Retry %d/%d scheduled as run %s (backoff %s)",
			retry.Attempt-1, sched.RetryCount, retry.RunID, backoff))
}
