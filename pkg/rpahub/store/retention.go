package store

import (
	"fmt"
	"time"
)

// DeleteRunLogsBefore removes run log rows older than the cutoff.
func (s *Store) DeleteRunLogsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM run_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old run logs: %w", err)
	}
	return res.RowsAffected()
}

// ExpiredArtifacts returns artifacts created before the cutoff so the
// cleaner can unlink the files before dropping the rows.
func (s *Store) ExpiredArtifacts(cutoff time.Time) ([]*Artifact, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, name, path, size_bytes, content_type, created_at
		FROM artifacts WHERE created_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.Path, &a.SizeBytes, &a.ContentType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DeleteArtifact drops one artifact row.
func (s *Store) DeleteArtifact(id string) error {
	_, err := s.db.Exec(`DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// DeleteTerminalRunsBefore removes terminal runs whose finish is older
// than the cutoff. Run logs and artifacts cascade.
func (s *Store) DeleteTerminalRunsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM runs
		WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		RunSuccess, RunFailed, RunCanceled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old runs: %w", err)
	}
	return res.RowsAffected()
}
