package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpenAlert creates an alert event unless one is already open for the
// same (robot, type). Returns the created event, or nil when suppressed.
func (s *Store) OpenAlert(a *AlertEvent, now time.Time) (*AlertEvent, error) {
	var created *AlertEvent
	err := s.inTx(func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM alert_events
			WHERE robot_id = ? AND type = ? AND resolved_at IS NULL`,
			a.RobotID, a.Type,
		).Scan(&existing); err != nil {
			return fmt.Errorf("check open alert: %w", err)
		}
		if existing > 0 {
			return nil
		}

		a.ID = uuid.NewString()
		a.CreatedAt = now
		var runID any
		if a.RunID != "" {
			runID = a.RunID
		}
		if _, err := tx.Exec(`
			INSERT INTO alert_events (id, robot_id, run_id, type, severity, message, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.RobotID, runID, a.Type, a.Severity, a.Message, marshalJSON(a.Metadata), a.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		created = a
		return nil
	})
	return created, err
}

// ResolveAlert marks an alert resolved; resolving twice is a no-op.
func (s *Store) ResolveAlert(alertID string, now time.Time) (*AlertEvent, error) {
	_, err := s.db.Exec(
		`UPDATE alert_events SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		now, alertID,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve alert: %w", err)
	}
	return s.GetAlert(alertID)
}

// ResolveOpenAlerts closes every open alert for (robot, type); returns how
// many were resolved.
func (s *Store) ResolveOpenAlerts(robotID string, alertType AlertType, now time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE alert_events SET resolved_at = ?
		WHERE robot_id = ? AND type = ? AND resolved_at IS NULL`,
		now, robotID, alertType,
	)
	if err != nil {
		return 0, fmt.Errorf("resolve open alerts: %w", err)
	}
	return res.RowsAffected()
}

// GetAlert loads one alert event.
func (s *Store) GetAlert(alertID string) (*AlertEvent, error) {
	return scanAlert(s.db.QueryRow(alertSelect+` WHERE id = ?`, alertID))
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	RobotID string
	Type    AlertType
	// Status is "open", "resolved" or empty for both.
	Status string
	Limit  int
}

// ListAlerts returns alert events matching the filter, newest first.
func (s *Store) ListAlerts(f AlertFilter) ([]*AlertEvent, error) {
	where := ` WHERE 1=1`
	var args []any
	if f.RobotID != "" {
		where += ` AND robot_id = ?`
		args = append(args, f.RobotID)
	}
	if f.Type != "" {
		where += ` AND type = ?`
		args = append(args, f.Type)
	}
	switch f.Status {
	case "open":
		where += ` AND resolved_at IS NULL`
	case "resolved":
		where += ` AND resolved_at IS NOT NULL`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.Query(alertSelect+where+` ORDER BY created_at DESC LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*AlertEvent
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const alertSelect = `
	SELECT id, robot_id, COALESCE(run_id, ''), type, severity, message, metadata, created_at, resolved_at
	FROM alert_events`

func scanAlert(row rowScanner) (*AlertEvent, error) {
	var a AlertEvent
	var metadata string
	err := row.Scan(&a.ID, &a.RobotID, &a.RunID, &a.Type, &a.Severity, &a.Message, &metadata, &a.CreatedAt, &a.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	unmarshalJSON(metadata, &a.Metadata)
	return &a, nil
}
