// Package engine owns the run lifecycle: creating runs, gating their
// dispatch to workers, recording progress and enforcing the terminal
// transitions. Every state change goes through the store first; the
// queue and the log bus only ever carry hints derived from it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/config"
	"github.com/rpahub/rpahub/pkg/rpahub/logbus"
	"github.com/rpahub/rpahub/pkg/rpahub/queue"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// Request validation failures the gateway maps to 4xx responses.
var (
	ErrNoActiveVersion = errors.New("robot has no active version")
	ErrValidation      = errors.New("invalid run request")
)

// Error messages stored on runs are capped so a runaway stack trace
// cannot bloat the row.
const maxErrorLen = 1024

// Engine coordinates the run lifecycle across store, queue and log bus.
type Engine struct {
	st     *store.Store
	q      *queue.Queue
	bus    *logbus.Bus
	cfg    config.Config
	clk    clock.Clock
	logger *slog.Logger
}

// New assembles an engine.
func New(st *store.Store, q *queue.Queue, bus *logbus.Bus, cfg config.Config, clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		st:     st,
		q:      q,
		bus:    bus,
		cfg:    cfg,
		clk:    clk,
		logger: logger.With("component", "engine"),
	}
}

// CreateRunInput carries everything needed to enqueue a run.
type CreateRunInput struct {
	RobotID   string
	VersionID string // empty resolves the robot's active version
	EnvName   string

	TriggerType      store.TriggerType
	ScheduleID       string
	ScheduleFireTime *time.Time
	Attempt          int

	Params      store.RunParams
	TriggeredBy string

	// TimeoutSeconds overrides the resolved timeout when positive.
	TimeoutSeconds int

	// NotBefore parks the run in the delayed queue (retry backoff).
	NotBefore *time.Time
}

// CreateRun validates the request, resolves the version to pin, persists
// the PENDING run and enqueues it for dispatch. The queue push happens
// after the row is committed, so a crash in between leaves a PENDING run
// the watchdog can still promote, never a queue entry without a row.
func (e *Engine) CreateRun(ctx context.Context, in CreateRunInput) (*store.Run, error) {
	if !store.ValidEnvName(in.EnvName) {
		return nil, fmt.Errorf("%w: unknown env %q", ErrValidation, in.EnvName)
	}

	if _, err := e.st.GetRobot(in.RobotID); err != nil {
		return nil, err
	}

	version, err := e.resolveVersion(in.RobotID, in.VersionID)
	if err != nil {
		return nil, err
	}

	switch in.TriggerType {
	case store.TriggerManual:
		in.Attempt = 1
	case store.TriggerScheduled:
		if in.ScheduleID == "" || in.ScheduleFireTime == nil {
			return nil, fmt.Errorf("%w: scheduled run needs schedule and fire time", ErrValidation)
		}
		in.Attempt = 1
	case store.TriggerRetry:
		if in.Attempt < 2 {
			return nil, fmt.Errorf("%w: retry run needs attempt >= 2", ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown trigger type %q", ErrValidation, in.TriggerType)
	}

	timeout, err := e.resolveTimeout(in)
	if err != nil {
		return nil, err
	}

	now := e.clk.Now()
	run := &store.Run{
		RunID:            uuid.NewString(),
		RobotID:          in.RobotID,
		RobotVersionID:   version.ID,
		ScheduleID:       in.ScheduleID,
		ScheduleFireTime: in.ScheduleFireTime,
		EnvName:          in.EnvName,
		TriggerType:      in.TriggerType,
		Attempt:          in.Attempt,
		Params:           in.Params,
		QueuedAt:         now,
		TriggeredBy:      in.TriggeredBy,
		TimeoutSeconds:   timeout,
	}
	if err := e.st.InsertRun(run); err != nil {
		return nil, err
	}

	e.logLine(ctx, run.RunID, store.LevelInfo,
		fmt.Sprintf("Run enqueued (trigger=%s attempt=%d version=%s env=%s)",
			run.TriggerType, run.Attempt, version.Version, run.EnvName))

	env := queue.Envelope{RunID: run.RunID}
	if in.NotBefore != nil && in.NotBefore.After(now) {
		err = e.q.EnqueueAt(ctx, env, *in.NotBefore)
	} else {
		err = e.q.Enqueue(ctx, env)
	}
	if err != nil {
		// A PENDING row without an envelope would never be claimed.
		// Dispatch failure is fatal for the run.
		e.logger.Error("enqueue after insert failed", "run_id", run.RunID, "error", err)
		if _, ferr := e.st.FailPending(run.RunID, "enqueue failed: infra unavailable", now); ferr != nil {
			e.logger.Error("fail pending run failed", "run_id", run.RunID, "error", ferr)
			return nil, err
		}
		run, gerr := e.st.GetRun(run.RunID)
		if gerr != nil {
			return nil, err
		}
		return run, nil
	}
	return run, nil
}

func (e *Engine) resolveVersion(robotID, versionID string) (*store.RobotVersion, error) {
	if versionID == "" {
		v, err := e.st.ActiveVersion(robotID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoActiveVersion
		}
		return v, err
	}
	v, err := e.st.GetVersion(versionID)
	if err != nil {
		return nil, err
	}
	if v.RobotID != robotID {
		return nil, fmt.Errorf("%w: version %s does not belong to robot %s", ErrValidation, versionID, robotID)
	}
	return v, nil
}

// resolveTimeout picks, in order: the explicit override, the schedule's
// timeout, the manual default.
func (e *Engine) resolveTimeout(in CreateRunInput) (int, error) {
	if in.TimeoutSeconds > 0 {
		return in.TimeoutSeconds, nil
	}
	if in.ScheduleID != "" {
		sched, err := e.st.GetSchedule(in.ScheduleID)
		if err != nil {
			return 0, err
		}
		if sched.TimeoutSeconds > 0 {
			return sched.TimeoutSeconds, nil
		}
	}
	return int(e.cfg.Runs.DefaultManualTimeout.Seconds()), nil
}

// RequestCancel flags a run for cooperative cancellation. A PENDING run
// is canceled on the spot; for a RUNNING run the owning worker gets a
// kill order and the watchdog force-cancels after the grace period.
func (e *Engine) RequestCancel(ctx context.Context, runID, user string) (*store.Run, error) {
	before, err := e.st.GetRun(runID)
	if err != nil {
		return nil, err
	}
	alreadyTerminal := before.Status.Terminal()

	run, err := e.st.RequestCancel(runID, user, e.clk.Now())
	if err != nil {
		return nil, err
	}
	if alreadyTerminal {
		return run, nil
	}

	e.logLine(ctx, runID, store.LevelWarn, fmt.Sprintf("Cancel requested by %s", user))
	if run.Status == store.RunRunning && run.WorkerID != "" {
		if err := e.q.PublishKill(ctx, run.WorkerID, runID); err != nil {
			e.logger.Error("publish kill order failed", "run_id", runID, "error", err)
		}
	}
	return run, nil
}

// AppendLog persists one log line and fans it out to live subscribers.
// Lines arriving after the run is terminal are kept but tagged, so late
// worker output stays visible without reopening the run.
func (e *Engine) AppendLog(ctx context.Context, runID string, level store.LogLevel, message string) (*store.RunLog, error) {
	run, err := e.st.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		message = "post-terminal " + message
	}
	line, err := e.st.AppendRunLog(runID, level, message, e.clk.Now())
	if err != nil {
		return nil, err
	}
	e.publish(ctx, line)
	return line, nil
}

// Logs returns persisted log lines after the given sequence number.
func (e *Engine) Logs(runID string, afterSeq int64, limit int) ([]*store.RunLog, error) {
	if _, err := e.st.GetRun(runID); err != nil {
		return nil, err
	}
	return e.st.ListRunLogsSince(runID, afterSeq, limit)
}

// logLine is the internal best-effort append used for lifecycle notes.
func (e *Engine) logLine(ctx context.Context, runID string, level store.LogLevel, message string) {
	line, err := e.st.AppendRunLog(runID, level, message, e.clk.Now())
	if err != nil {
		e.logger.Error("append run log failed", "run_id", runID, "error", err)
		return
	}
	e.publish(ctx, line)
}

func (e *Engine) publish(ctx context.Context, line *store.RunLog) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, line); err != nil {
		e.logger.Warn("log fanout failed", "run_id", line.RunID, "error", err)
	}
}

func truncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	return msg[:maxErrorLen]
}
