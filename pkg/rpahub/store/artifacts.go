package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddArtifacts registers the output files of a run atomically. Artifact
// names are unique per run; duplicates fail the whole batch.
func (s *Store) AddArtifacts(runID string, items []*Artifact, now time.Time) error {
	if len(items) == 0 {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		for _, a := range items {
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			a.RunID = runID
			a.CreatedAt = now
			_, err := tx.Exec(
				`INSERT INTO artifacts (id, run_id, name, path, size_bytes, content_type, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.RunID, a.Name, a.Path, a.SizeBytes, a.ContentType, a.CreatedAt,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("artifact %q for run %s: %w", a.Name, runID, ErrConflict)
				}
				return fmt.Errorf("insert artifact: %w", err)
			}
		}
		return nil
	})
}

// ListArtifacts returns a run's artifacts ordered by name.
func (s *Store) ListArtifacts(runID string) ([]*Artifact, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, name, path, size_bytes, content_type, created_at
		FROM artifacts WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
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

// GetArtifact loads one artifact by id.
func (s *Store) GetArtifact(id string) (*Artifact, error) {
	var a Artifact
	err := s.db.QueryRow(`
		SELECT id, run_id, name, path, size_bytes, content_type, created_at
		FROM artifacts WHERE id = ?`, id,
	).Scan(&a.ID, &a.RunID, &a.Name, &a.Path, &a.SizeBytes, &a.ContentType, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}
