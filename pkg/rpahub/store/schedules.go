package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSchedule inserts the robot's schedule. One schedule per robot.
func (s *Store) CreateSchedule(sc *Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.MaxConcurrency < 1 {
		sc.MaxConcurrency = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO schedules (
			id, robot_id, enabled, cron_expr, timezone, window_start, window_end,
			max_concurrency, timeout_seconds, retry_count, retry_backoff_seconds,
			last_tick_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.RobotID, sc.Enabled, sc.CronExpr, sc.Timezone, sc.WindowStart, sc.WindowEnd,
		sc.MaxConcurrency, sc.TimeoutSeconds, sc.RetryCount, sc.RetryBackoffSeconds,
		sc.LastTickAt, sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("robot %s already has a schedule: %w", sc.RobotID, ErrConflict)
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// UpdateSchedule replaces the mutable fields of the robot's schedule.
func (s *Store) UpdateSchedule(sc *Schedule) error {
	res, err := s.db.Exec(`
		UPDATE schedules SET
			enabled = ?, cron_expr = ?, timezone = ?, window_start = ?, window_end = ?,
			max_concurrency = ?, timeout_seconds = ?, retry_count = ?,
			retry_backoff_seconds = ?, updated_at = ?
		WHERE robot_id = ?`,
		sc.Enabled, sc.CronExpr, sc.Timezone, sc.WindowStart, sc.WindowEnd,
		sc.MaxConcurrency, sc.TimeoutSeconds, sc.RetryCount,
		sc.RetryBackoffSeconds, sc.UpdatedAt, sc.RobotID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return requireRow(res, "schedule")
}

// DeleteSchedule removes the robot's schedule.
func (s *Store) DeleteSchedule(robotID string) error {
	res, err := s.db.Exec(`DELETE FROM schedules WHERE robot_id = ?`, robotID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return requireRow(res, "schedule")
}

// GetScheduleByRobot loads the robot's schedule.
func (s *Store) GetScheduleByRobot(robotID string) (*Schedule, error) {
	return scanSchedule(s.db.QueryRow(scheduleSelect+` WHERE robot_id = ?`, robotID))
}

// GetSchedule loads a schedule by id.
func (s *Store) GetSchedule(id string) (*Schedule, error) {
	return scanSchedule(s.db.QueryRow(scheduleSelect+` WHERE id = ?`, id))
}

// ListEnabledSchedules returns every enabled schedule.
func (s *Store) ListEnabledSchedules() ([]*Schedule, error) {
	rows, err := s.db.Query(scheduleSelect + ` WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AdvanceScheduleTick persists the scheduler's progress marker.
func (s *Store) AdvanceScheduleTick(scheduleID string, tick time.Time) error {
	_, err := s.db.Exec(`UPDATE schedules SET last_tick_at = ? WHERE id = ?`, tick, scheduleID)
	if err != nil {
		return fmt.Errorf("advance schedule tick: %w", err)
	}
	return nil
}

const scheduleSelect = `
	SELECT id, robot_id, enabled, cron_expr, timezone, window_start, window_end,
	       max_concurrency, timeout_seconds, retry_count, retry_backoff_seconds,
	       last_tick_at, created_at, updated_at
	FROM schedules`

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sc Schedule
	err := row.Scan(
		&sc.ID, &sc.RobotID, &sc.Enabled, &sc.CronExpr, &sc.Timezone, &sc.WindowStart, &sc.WindowEnd,
		&sc.MaxConcurrency, &sc.TimeoutSeconds, &sc.RetryCount, &sc.RetryBackoffSeconds,
		&sc.LastTickAt, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	return &sc, nil
}

// CreateSLARule inserts the robot's SLA rule. One rule per robot.
func (s *Store) CreateSLARule(r *SLARule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO sla_rules (
			id, robot_id, expected_every_minutes, expected_daily_time,
			late_after_minutes, alert_on_failure, alert_on_late, notify_channels,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RobotID, r.ExpectedEveryMinutes, r.ExpectedDailyTime,
		r.LateAfterMinutes, r.AlertOnFailure, r.AlertOnLate, marshalJSON(r.NotifyChannels),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("robot %s already has an SLA rule: %w", r.RobotID, ErrConflict)
		}
		return fmt.Errorf("insert sla rule: %w", err)
	}
	return nil
}

// UpdateSLARule replaces the mutable fields of the robot's SLA rule.
func (s *Store) UpdateSLARule(r *SLARule) error {
	res, err := s.db.Exec(`
		UPDATE sla_rules SET
			expected_every_minutes = ?, expected_daily_time = ?, late_after_minutes = ?,
			alert_on_failure = ?, alert_on_late = ?, notify_channels = ?, updated_at = ?
		WHERE robot_id = ?`,
		r.ExpectedEveryMinutes, r.ExpectedDailyTime, r.LateAfterMinutes,
		r.AlertOnFailure, r.AlertOnLate, marshalJSON(r.NotifyChannels), r.UpdatedAt, r.RobotID,
	)
	if err != nil {
		return fmt.Errorf("update sla rule: %w", err)
	}
	return requireRow(res, "sla rule")
}

// GetSLARuleByRobot loads the robot's SLA rule.
func (s *Store) GetSLARuleByRobot(robotID string) (*SLARule, error) {
	return scanSLARule(s.db.QueryRow(slaSelect+` WHERE robot_id = ?`, robotID))
}

// ListSLARules returns every SLA rule.
func (s *Store) ListSLARules() ([]*SLARule, error) {
	rows, err := s.db.Query(slaSelect)
	if err != nil {
		return nil, fmt.Errorf("list sla rules: %w", err)
	}
	defer rows.Close()

	var out []*SLARule
	for rows.Next() {
		r, err := scanSLARule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const slaSelect = `
	SELECT id, robot_id, expected_every_minutes, expected_daily_time,
	       late_after_minutes, alert_on_failure, alert_on_late, notify_channels,
	       created_at, updated_at
	FROM sla_rules`

func scanSLARule(row rowScanner) (*SLARule, error) {
	var r SLARule
	var notify string
	err := row.Scan(
		&r.ID, &r.RobotID, &r.ExpectedEveryMinutes, &r.ExpectedDailyTime,
		&r.LateAfterMinutes, &r.AlertOnFailure, &r.AlertOnLate, &notify,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sla rule: %w", err)
	}
	unmarshalJSON(notify, &r.NotifyChannels)
	return &r, nil
}

// UpsertEnvBinding creates or replaces one (robot, env, key) binding. The
// value must already be ciphertext.
func (s *Store) UpsertEnvBinding(b *EnvBinding) error {
	_, err := s.db.Exec(`
		INSERT INTO env_bindings (robot_id, env_name, key, value, is_secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (robot_id, env_name, key)
		DO UPDATE SET value = excluded.value, is_secret = excluded.is_secret, updated_at = excluded.updated_at`,
		b.RobotID, b.EnvName, b.Key, b.Value, b.IsSecret, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert env binding: %w", err)
	}
	return nil
}

// ListEnvBindings returns every binding for (robot, env), ordered by key.
func (s *Store) ListEnvBindings(robotID, envName string) ([]*EnvBinding, error) {
	rows, err := s.db.Query(`
		SELECT robot_id, env_name, key, value, is_secret, created_at, updated_at
		FROM env_bindings WHERE robot_id = ? AND env_name = ? ORDER BY key`,
		robotID, envName,
	)
	if err != nil {
		return nil, fmt.Errorf("list env bindings: %w", err)
	}
	defer rows.Close()

	var out []*EnvBinding
	for rows.Next() {
		var b EnvBinding
		if err := rows.Scan(&b.RobotID, &b.EnvName, &b.Key, &b.Value, &b.IsSecret, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan env binding: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// DeleteEnvBinding removes one binding.
func (s *Store) DeleteEnvBinding(robotID, envName, key string) error {
	res, err := s.db.Exec(
		`DELETE FROM env_bindings WHERE robot_id = ? AND env_name = ? AND key = ?`,
		robotID, envName, key,
	)
	if err != nil {
		return fmt.Errorf("delete env binding: %w", err)
	}
	return requireRow(res, "env binding")
}

// requireRow converts a zero-row mutation into ErrNotFound.
func requireRow(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return nil
}
