package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AppendRunLog inserts the next log line of a run, allocating the next
// sequence number atomically.
func (s *Store) AppendRunLog(runID string, level LogLevel, message string, now time.Time) (*RunLog, error) {
	var entry *RunLog
	err := s.inTx(func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRow(
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_logs WHERE run_id = ?`, runID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("next log seq: %w", err)
		}
		res, err := tx.Exec(
			`INSERT INTO run_logs (run_id, seq, timestamp, level, message) VALUES (?, ?, ?, ?, ?)`,
			runID, seq, now, level, message,
		)
		if err != nil {
			return fmt.Errorf("insert run log: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		entry = &RunLog{ID: id, RunID: runID, Seq: seq, Timestamp: now, Level: level, Message: message}
		return nil
	})
	return entry, err
}

// ListRunLogsSince returns the run's logs with seq > afterSeq in sequence
// order, up to limit (0 means a sane default).
func (s *Store) ListRunLogsSince(runID string, afterSeq int64, limit int) ([]*RunLog, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, seq, timestamp, level, message
		FROM run_logs WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`,
		runID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()

	var out []*RunLog
	for rows.Next() {
		var l RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Seq, &l.Timestamp, &l.Level, &l.Message); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
