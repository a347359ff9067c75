// Package sla evaluates service level rules and turns violations into
// alert events: robots running late or failing repeatedly, workers that
// stopped heartbeating and a queue backing up. At most one alert per
// (robot, type) is open at a time and cleared conditions auto-resolve.
package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/rpahub/rpahub/pkg/rpahub/clock"
	"github.com/rpahub/rpahub/pkg/rpahub/config"
	"github.com/rpahub/rpahub/pkg/rpahub/queue"
	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

// Monitor is the periodic SLA evaluator.
type Monitor struct {
	st       *store.Store
	q        *queue.Queue
	cfg      config.Config
	clk      clock.Clock
	notifier Notifier
	logger   *slog.Logger
}

// New assembles a monitor. notifier may be nil.
func New(st *store.Store, q *queue.Queue, cfg config.Config, clk clock.Clock, notifier Notifier, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		st:       st,
		q:        q,
		cfg:      cfg,
		clk:      clk,
		notifier: notifier,
		logger:   logger.With("component", "sla"),
	}
}

// Run ticks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("sla monitor started", "interval", m.cfg.SLA.Interval.String())
	ticker := time.NewTicker(m.cfg.SLA.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass over every rule plus the global checks.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.clk.Now()

	rules, err := m.st.ListSLARules()
	if err != nil {
		m.logger.Error("list sla rules failed", "error", err)
	} else {
		for _, rule := range rules {
			m.checkLate(ctx, rule, now)
			m.checkFailureStreak(ctx, rule, now)
		}
	}

	m.checkWorkers(ctx, now)
	m.checkBacklog(ctx, now)
}

// checkLate raises LATE when the robot's last success is older than its
// expected cadence plus the tolerance, or when a daily deadline passed
// with no success that day.
func (m *Monitor) checkLate(ctx context.Context, rule *store.SLARule, now time.Time) {
	if !rule.AlertOnLate {
		return
	}

	late := false
	var reason string

	if rule.ExpectedEveryMinutes != nil && *rule.ExpectedEveryMinutes > 0 {
		anchor, err := m.st.LastSuccessfulFinish(rule.RobotID)
		if errors.Is(err, store.ErrNotFound) {
			// Never succeeded: measure from when the rule was set up.
			anchor = rule.CreatedAt
		} else if err != nil {
			m.logger.Error("last successful finish failed", "robot_id", rule.RobotID, "error", err)
			return
		}
		budget := time.Duration(*rule.ExpectedEveryMinutes+rule.LateAfterMinutes) * time.Minute
		if now.Sub(anchor) > budget {
			late = true
			reason = fmt.Sprintf("no successful run since %s (expected every %dm)",
				anchor.Format(time.RFC3339), *rule.ExpectedEveryMinutes)
		}
	}

	if !late && rule.ExpectedDailyTime != "" {
		loc := clock.LoadLocation(m.cfg.Timezone, "UTC")
		hour, minute, err := clock.ParseHHMM(rule.ExpectedDailyTime)
		if err != nil {
			m.logger.Warn("bad expected_daily_time", "robot_id", rule.RobotID, "error", err)
			return
		}
		local := now.In(loc)
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		deadline := midnight.Add(time.Duration(hour)*time.Hour +
			time.Duration(minute+rule.LateAfterMinutes)*time.Minute)
		if local.After(deadline) {
			n, err := m.st.CountSuccessSince(rule.RobotID, midnight.UTC())
			if err != nil {
				m.logger.Error("count success failed", "robot_id", rule.RobotID, "error", err)
				return
			}
			if n == 0 {
				late = true
				reason = fmt.Sprintf("no successful run today before %s", rule.ExpectedDailyTime)
			}
		}
	}

	if late {
		m.open(ctx, rule, &store.AlertEvent{
			RobotID:  rule.RobotID,
			Type:     store.AlertLate,
			Severity: store.SeverityWarn,
			Message:  reason,
		}, now)
		return
	}
	m.resolve(rule.RobotID, store.AlertLate, now)
}

// checkFailureStreak raises FAILURE_STREAK when the robot's last N
// terminal runs all FAILED.
func (m *Monitor) checkFailureStreak(ctx context.Context, rule *store.SLARule, now time.Time) {
	if !rule.AlertOnFailure {
		return
	}
	n := m.cfg.SLA.FailureStreakThreshold
	runs, err := m.st.LastTerminalRuns(rule.RobotID, n)
	if err != nil {
		m.logger.Error("list terminal runs failed", "robot_id", rule.RobotID, "error", err)
		return
	}
	if len(runs) < n {
		m.resolve(rule.RobotID, store.AlertFailureStreak, now)
		return
	}
	for _, r := range runs {
		if r.Status != store.RunFailed {
			m.resolve(rule.RobotID, store.AlertFailureStreak, now)
			return
		}
	}

	m.open(ctx, rule, &store.AlertEvent{
		RobotID:  rule.RobotID,
		RunID:    runs[0].RunID,
		Type:     store.AlertFailureStreak,
		Severity: store.SeverityCritical,
		Message:  fmt.Sprintf("last %d runs failed", n),
	}, now)
}

// checkWorkers raises a single WORKER_DOWN alert naming every worker
// whose heartbeat went stale.
func (m *Monitor) checkWorkers(ctx context.Context, now time.Time) {
	stale, err := m.st.StaleWorkers(now.Add(-m.cfg.Worker.StaleAfter))
	if err != nil {
		m.logger.Error("list stale workers failed", "error", err)
		return
	}
	if len(stale) == 0 {
		m.resolve(store.SentinelRobotID, store.AlertWorkerDown, now)
		return
	}

	names := make([]string, 0, len(stale))
	for _, w := range stale {
		names = append(names, fmt.Sprintf("%s (%s)", w.Hostname, w.ID))
	}
	sort.Strings(names)
	m.open(ctx, nil, &store.AlertEvent{
		RobotID:  store.SentinelRobotID,
		Type:     store.AlertWorkerDown,
		Severity: store.SeverityCritical,
		Message:  fmt.Sprintf("%d worker(s) stopped heartbeating: %s", len(stale), strings.Join(names, ", ")),
		Metadata: map[string]any{"workers": names},
	}, now)
}

// checkBacklog raises QUEUE_BACKLOG when the ready queue depth crosses
// the configured threshold.
func (m *Monitor) checkBacklog(ctx context.Context, now time.Time) {
	depth, err := m.q.Depth(ctx)
	if err != nil {
		m.logger.Error("queue depth failed", "error", err)
		return
	}
	if depth < int64(m.cfg.SLA.QueueBacklogThreshold) {
		m.resolve(store.SentinelRobotID, store.AlertQueueBacklog, now)
		return
	}
	m.open(ctx, nil, &store.AlertEvent{
		RobotID:  store.SentinelRobotID,
		Type:     store.AlertQueueBacklog,
		Severity: store.SeverityWarn,
		Message:  fmt.Sprintf("run queue depth %d (threshold %d)", depth, m.cfg.SLA.QueueBacklogThreshold),
		Metadata: map[string]any{"depth": depth},
	}, now)
}

// open records the alert unless one is already open and notifies the
// rule's channels on a fresh one.
func (m *Monitor) open(ctx context.Context, rule *store.SLARule, alert *store.AlertEvent, now time.Time) {
	created, err := m.st.OpenAlert(alert, now)
	if err != nil {
		m.logger.Error("open alert failed", "robot_id", alert.RobotID, "type", alert.Type, "error", err)
		return
	}
	if created == nil {
		return
	}
	m.logger.Warn("alert opened",
		"robot_id", created.RobotID, "type", created.Type, "severity", created.Severity,
		"message", created.Message)

	if m.notifier == nil || rule == nil {
		return
	}
	if err := m.notifier.Notify(ctx, rule.NotifyChannels, created); err != nil {
		m.logger.Error("alert notification failed", "type", created.Type, "error", err)
	}
}

func (m *Monitor) resolve(robotID string, alertType store.AlertType, now time.Time) {
	n, err := m.st.ResolveOpenAlerts(robotID, alertType, now)
	if err != nil {
		m.logger.Error("resolve alerts failed", "robot_id", robotID, "type", alertType, "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("alert auto-resolved", "robot_id", robotID, "type", alertType)
	}
}
