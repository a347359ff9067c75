package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertRun persists a new PENDING run. A SCHEDULED run carrying a fire
// time that was already recorded for its schedule fails with
// ErrDuplicateFire (crash-safe scheduler idempotence).
func (s *Store) InsertRun(r *Run) error {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.Attempt < 1 {
		r.Attempt = 1
	}
	r.Status = RunPending

	var scheduleID any
	if r.ScheduleID != "" {
		scheduleID = r.ScheduleID
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (
			run_id, robot_id, robot_version_id, schedule_id, schedule_fire_time,
			env_name, trigger_type, attempt, params, status, queued_at,
			triggered_by, timeout_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.RobotID, r.RobotVersionID, scheduleID, r.ScheduleFireTime,
		r.EnvName, r.TriggerType, r.Attempt, marshalJSON(r.Params), r.Status, r.QueuedAt,
		r.TriggeredBy, r.TimeoutSeconds,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("schedule %s fire %v: %w", r.ScheduleID, r.ScheduleFireTime, ErrDuplicateFire)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(runID string) (*Run, error) {
	return scanRun(s.db.QueryRow(runSelect+` WHERE run_id = ?`, runID))
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	RobotID     string
	ScheduleID  string
	Status      RunStatus
	TriggerType TriggerType
	Skip        int
	Limit       int
}

// ListRuns returns runs matching the filter, newest first, plus the total
// match count for pagination.
func (s *Store) ListRuns(f RunFilter) ([]*Run, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if f.RobotID != "" {
		where += ` AND robot_id = ?`
		args = append(args, f.RobotID)
	}
	if f.ScheduleID != "" {
		where += ` AND schedule_id = ?`
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.TriggerType != "" {
		where += ` AND trigger_type = ?`
		args = append(args, f.TriggerType)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(runSelect+where+` ORDER BY queued_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Skip)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// TryClaim is the single PENDING→RUNNING gate. Inside one transaction it
// verifies the run is still PENDING and that the robot's RUNNING count is
// below maxConcurrency (non-positive means uncapped), then flips the
// status conditionally. SQLite's
// single-writer transaction plays the role of the per-robot advisory
// lock: the count and the update cannot interleave with another claim.
func (s *Store) TryClaim(runID, workerID string, maxConcurrency int) (bool, error) {
	claimed := false
	err := s.inTx(func(tx *sql.Tx) error {
		var robotID string
		var status RunStatus
		err := tx.QueryRow(`SELECT robot_id, status FROM runs WHERE run_id = ?`, runID).Scan(&robotID, &status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load run for claim: %w", err)
		}
		if status != RunPending {
			return nil
		}

		if maxConcurrency > 0 {
			var running int
			if err := tx.QueryRow(
				`SELECT COUNT(*) FROM runs WHERE robot_id = ? AND status = ?`, robotID, RunRunning,
			).Scan(&running); err != nil {
				return fmt.Errorf("count running: %w", err)
			}
			if running >= maxConcurrency {
				return nil
			}
		}

		res, err := tx.Exec(
			`UPDATE runs SET status = ?, worker_id = ? WHERE run_id = ? AND status = ?`,
			RunRunning, workerID, runID, RunPending,
		)
		if err != nil {
			return fmt.Errorf("claim run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// MarkStarted records host, pid and started_at. Idempotent: a second call
// with the same values is a no-op, and started_at is never overwritten.
func (s *Store) MarkStarted(runID, host string, pid int, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE runs SET
			started_at = COALESCE(started_at, ?),
			host_name = ?, process_id = ?
		WHERE run_id = ? AND status = ?`,
		now, host, pid, runID, RunRunning,
	)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	return requireRow(res, "running run")
}

// FinishRun transitions a RUNNING run to the given terminal status. It
// returns the finished run, or ErrNotFound when the run does not exist,
// or false when the run was already terminal; the caller decides whether
// that is an error.
func (s *Store) FinishRun(runID string, status RunStatus, errorMessage, canceledBy string, now time.Time) (*Run, bool, error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("finish status %s is not terminal", status)
	}
	var run *Run
	finished := false
	err := s.inTx(func(tx *sql.Tx) error {
		r, err := scanRun(tx.QueryRow(runSelect+` WHERE run_id = ?`, runID))
		if err != nil {
			return err
		}
		if r.Status != RunRunning {
			run = r
			return nil
		}

		started := r.QueuedAt
		if r.StartedAt != nil {
			started = *r.StartedAt
		}
		duration := now.Sub(started).Seconds()
		if duration < 0 {
			duration = 0
		}

		var canceledAt any
		if status == RunCanceled {
			canceledAt = now
		}
		res, err := tx.Exec(`
			UPDATE runs SET
				status = ?, finished_at = ?, duration_seconds = ?, error_message = ?,
				canceled_at = COALESCE(canceled_at, ?),
				canceled_by = CASE WHEN canceled_by = '' THEN ? ELSE canceled_by END
			WHERE run_id = ? AND status = ?`,
			status, now, duration, errorMessage, canceledAt, canceledBy, runID, RunRunning,
		)
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		finished = n == 1
		run, err = scanRun(tx.QueryRow(runSelect+` WHERE run_id = ?`, runID))
		return err
	})
	return run, finished, err
}

// FailPending transitions a PENDING run straight to FAILED (dispatch-fatal
// errors: missing required env, artifact not found).
func (s *Store) FailPending(runID, errorMessage string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, finished_at = ?, error_message = ?
		WHERE run_id = ? AND status = ?`,
		RunFailed, now, errorMessage, runID, RunPending,
	)
	if err != nil {
		return false, fmt.Errorf("fail pending run: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RequestCancel sets the cooperative cancel flag. A still-PENDING run is
// canceled immediately; the returned run reflects the final state.
func (s *Store) RequestCancel(runID, user string, now time.Time) (*Run, error) {
	var run *Run
	err := s.inTx(func(tx *sql.Tx) error {
		r, err := scanRun(tx.QueryRow(runSelect+` WHERE run_id = ?`, runID))
		if err != nil {
			return err
		}
		if r.Status.Terminal() {
			// Re-cancel of a terminal run is a no-op.
			run = r
			return nil
		}

		// canceled_at marks when the cancel was requested; the watchdog
		// measures the cooperative grace period from it.
		if _, err := tx.Exec(`
			UPDATE runs SET cancel_requested = 1,
				canceled_at = COALESCE(canceled_at, ?),
				canceled_by = CASE WHEN canceled_by = '' THEN ? ELSE canceled_by END
			WHERE run_id = ?`, now, user, runID); err != nil {
			return fmt.Errorf("set cancel flag: %w", err)
		}

		if r.Status == RunPending {
			if _, err := tx.Exec(`
				UPDATE runs SET status = ?, finished_at = ?, canceled_at = ?
				WHERE run_id = ? AND status = ?`,
				RunCanceled, now, now, runID, RunPending); err != nil {
				return fmt.Errorf("cancel pending run: %w", err)
			}
		}
		run, err = scanRun(tx.QueryRow(runSelect+` WHERE run_id = ?`, runID))
		return err
	})
	return run, err
}

// CancelRequested reports the cooperative cancel flag of a run.
func (s *Store) CancelRequested(runID string) (bool, error) {
	var flag bool
	err := s.db.QueryRow(`SELECT cancel_requested FROM runs WHERE run_id = ?`, runID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag, nil
}

// RunningCount returns how many runs of the robot are RUNNING.
func (s *Store) RunningCount(robotID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE robot_id = ? AND status = ?`, robotID, RunRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

// ActiveCount returns how many runs of the robot are PENDING or RUNNING.
// The scheduler counts both against max_concurrency before firing.
func (s *Store) ActiveCount(robotID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE robot_id = ? AND status IN (?, ?)`,
		robotID, RunPending, RunRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

// ListRunning returns every RUNNING run (watchdog scan).
func (s *Store) ListRunning() ([]*Run, error) {
	rows, err := s.db.Query(runSelect+` WHERE status = ?`, RunRunning)
	if err != nil {
		return nil, fmt.Errorf("list running: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastTerminalRuns returns the robot's most recent terminal runs, newest
// first, up to limit (failure-streak evaluation).
func (s *Store) LastTerminalRuns(robotID string, limit int) ([]*Run, error) {
	rows, err := s.db.Query(
		runSelect+` WHERE robot_id = ? AND status IN (?, ?, ?) ORDER BY queued_at DESC LIMIT ?`,
		robotID, RunSuccess, RunFailed, RunCanceled, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list terminal runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastSuccessfulFinish returns the robot's most recent SUCCESS finish
// time, or ErrNotFound when the robot never succeeded.
func (s *Store) LastSuccessfulFinish(robotID string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRow(`
		SELECT finished_at FROM runs
		WHERE robot_id = ? AND status = ? AND finished_at IS NOT NULL
		ORDER BY finished_at DESC LIMIT 1`, robotID, RunSuccess,
	).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last successful finish: %w", err)
	}
	return t, nil
}

// CountSuccessSince counts SUCCESS runs of a robot finished at or after
// the given instant (daily SLA check).
func (s *Store) CountSuccessSince(robotID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE robot_id = ? AND status = ? AND finished_at >= ?`,
		robotID, RunSuccess, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count success since: %w", err)
	}
	return n, nil
}

// CountFailedSince counts FAILED runs finished at or after the instant
// (ops status: runs_failed_last_hour).
func (s *Store) CountFailedSince(since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM runs
		WHERE status = ? AND COALESCE(finished_at, queued_at) >= ?`,
		RunFailed, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed since: %w", err)
	}
	return n, nil
}

// CountByStatus counts runs in a given state.
func (s *Store) CountByStatus(status RunStatus) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return n, nil
}

const runSelect = `
	SELECT run_id, robot_id, robot_version_id, COALESCE(schedule_id, ''), schedule_fire_time,
	       env_name, trigger_type, attempt, params, status, queued_at,
	       started_at, finished_at, duration_seconds, triggered_by, host_name,
	       process_id, error_message, cancel_requested, canceled_at, canceled_by,
	       worker_id, timeout_seconds
	FROM runs`

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var params string
	err := row.Scan(
		&r.RunID, &r.RobotID, &r.RobotVersionID, &r.ScheduleID, &r.ScheduleFireTime,
		&r.EnvName, &r.TriggerType, &r.Attempt, &params, &r.Status, &r.QueuedAt,
		&r.StartedAt, &r.FinishedAt, &r.DurationSeconds, &r.TriggeredBy, &r.HostName,
		&r.ProcessID, &r.ErrorMessage, &r.CancelRequested, &r.CanceledAt, &r.CanceledBy,
		&r.WorkerID, &r.TimeoutSeconds,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	unmarshalJSON(params, &r.Params)
	return &r, nil
}
