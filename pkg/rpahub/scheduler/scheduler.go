// Package scheduler turns cron schedules into SCHEDULED runs. Each tick
// walks every enabled schedule's cron expression over the interval since
// its last tick, so fire times missed during downtime are caught up
// exactly once: the (schedule, fire time) pair is unique in the store.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/config"
	"github.com/rpahub/rpahub/pkg/rpahub/engine"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// Scheduler is the cron dispatcher loop.
type Scheduler struct {
	st     *store.Store
	eng    *engine.Engine
	cfg    config.Config
	clk    clock.Clock
	logger *slog.Logger
}

// New assembles a scheduler.
func New(st *store.Store, eng *engine.Engine, cfg config.Config, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		st:     st,
		eng:    eng,
		cfg:    cfg,
		clk:    clk,
		logger: logger.With("component", "scheduler"),
	}
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.cfg.Scheduler.Interval.String())
	ticker := time.NewTicker(s.cfg.Scheduler.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every enabled schedule once.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.st.ListEnabledSchedules()
	if err != nil {
		s.logger.Error("list schedules failed", "error", err)
		return
	}
	now := s.clk.Now()
	for _, sched := range schedules {
		if err := s.evaluate(ctx, sched, now); err != nil {
			s.logger.Error("schedule evaluation failed",
				"schedule_id", sched.ID, "robot_id", sched.RobotID, "error", err)
		}
	}
}

// evaluate fires every due cron time in (last tick, now] and advances
// the tick cursor. The cursor moves even when fires are skipped, so a
// closed window or a full robot drops the fire instead of replaying it.
func (s *Scheduler) evaluate(ctx context.Context, sched *store.Schedule, now time.Time) error {
	loc := clock.LoadLocation(sched.Timezone, s.cfg.Timezone)

	after := sched.CreatedAt
	if sched.LastTickAt != nil && sched.LastTickAt.After(after) {
		after = *sched.LastTickAt
	}
	// A schedule that slept through a long outage resumes from one
	// interval back instead of replaying days of fires.
	if floor := now.Add(-s.cfg.Scheduler.Interval * 4); after.Before(floor) {
		after = floor
	}

	fires, err := clock.FireTimes(sched.CronExpr, loc, after, now, 0)
	if err != nil {
		return err
	}

	for _, fire := range fires {
		if ok, werr := clock.InWindow(fire, loc, sched.WindowStart, sched.WindowEnd); werr != nil {
			s.logger.Warn("bad execution window", "schedule_id", sched.ID, "error", werr)
		} else if !ok {
			s.logger.Info("fire outside execution window",
				"schedule_id", sched.ID, "fire", fire)
			continue
		}

		if sched.MaxConcurrency > 0 {
			active, err := s.st.ActiveCount(sched.RobotID)
			if err != nil {
				return err
			}
			if active >= sched.MaxConcurrency {
				s.logger.Warn("robot at max concurrency, dropping fire",
					"schedule_id", sched.ID, "robot_id", sched.RobotID, "fire", fire)
				continue
			}
		}

		fire := fire
		run, err := s.eng.CreateRun(ctx, engine.CreateRunInput{
			RobotID:          sched.RobotID,
			EnvName:          "PROD",
			TriggerType:      store.TriggerScheduled,
			ScheduleID:       sched.ID,
			ScheduleFireTime: &fire,
			TriggeredBy:      "system:scheduler",
		})
		switch {
		case errors.Is(err, store.ErrDuplicateFire):
			// Another scheduler instance got there first.
		case errors.Is(err, engine.ErrNoActiveVersion):
			s.logger.Warn("schedule fired but robot has no active version",
				"schedule_id", sched.ID, "robot_id", sched.RobotID)
		case err != nil:
			return err
		default:
			s.logger.Info("scheduled run created",
				"schedule_id", sched.ID, "run_id", run.RunID, "fire", fire)
		}
	}

	return s.st.AdvanceScheduleTick(sched.ID, now)
}
