package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertWorkerHeartbeat registers the worker on first contact and
// refreshes hostname, version and last_heartbeat afterwards. The status
// of an existing worker is preserved so a paused worker stays paused
// across heartbeats.
func (s *Store) UpsertWorkerHeartbeat(workerID, hostname, version string, now time.Time) (*Worker, error) {
	_, err := s.db.Exec(`
		INSERT INTO workers (id, hostname, status, last_heartbeat, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			hostname = excluded.hostname,
			version = excluded.version,
			last_heartbeat = excluded.last_heartbeat`,
		workerID, hostname, WorkerRunning, now, version, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert worker heartbeat: %w", err)
	}
	return s.GetWorker(workerID)
}

// GetWorker loads a worker by id.
func (s *Store) GetWorker(workerID string) (*Worker, error) {
	var w Worker
	err := s.db.QueryRow(`
		SELECT id, hostname, status, last_heartbeat, version, created_at
		FROM workers WHERE id = ?`, workerID,
	).Scan(&w.ID, &w.Hostname, &w.Status, &w.LastHeartbeat, &w.Version, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return &w, nil
}

// ListWorkers returns every worker ordered by hostname.
func (s *Store) ListWorkers() ([]*Worker, error) {
	rows, err := s.db.Query(`
		SELECT id, hostname, status, last_heartbeat, version, created_at
		FROM workers ORDER BY hostname, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.ID, &w.Hostname, &w.Status, &w.LastHeartbeat, &w.Version, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// SetWorkerStatus flips a worker between RUNNING, PAUSED and STOPPED.
func (s *Store) SetWorkerStatus(workerID string, status WorkerStatus) error {
	res, err := s.db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, status, workerID)
	if err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}
	return requireRow(res, "worker")
}

// CountWorkersByStatus counts workers in the given state.
func (s *Store) CountWorkersByStatus(status WorkerStatus) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM workers WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count workers: %w", err)
	}
	return n, nil
}

// CountWorkers counts every registered worker.
func (s *Store) CountWorkers() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM workers`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count workers: %w", err)
	}
	return n, nil
}

// StaleWorkers returns workers whose heartbeat is older than the cutoff
// and that are not STOPPED.
func (s *Store) StaleWorkers(cutoff time.Time) ([]*Worker, error) {
	rows, err := s.db.Query(`
		SELECT id, hostname, status, last_heartbeat, version, created_at
		FROM workers WHERE last_heartbeat < ? AND status != ?`,
		cutoff, WorkerStopped)
	if err != nil {
		return nil, fmt.Errorf("list stale workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.ID, &w.Hostname, &w.Status, &w.LastHeartbeat, &w.Version, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}
