package store

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; each entry is one schema version.
var migrations = []string{
	// v1: full initial schema.
	`
	CREATE TABLE robots (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		tags        TEXT NOT NULL DEFAULT '[]',
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);

	CREATE TABLE robot_versions (
		id                TEXT PRIMARY KEY,
		robot_id          TEXT NOT NULL REFERENCES robots(id) ON DELETE CASCADE,
		version           TEXT NOT NULL,
		channel           TEXT NOT NULL DEFAULT 'stable',
		artifact_kind     TEXT NOT NULL,
		artifact_digest   TEXT NOT NULL,
		entrypoint_kind   TEXT NOT NULL,
		entrypoint_path   TEXT NOT NULL,
		default_args      TEXT NOT NULL DEFAULT '[]',
		default_env       TEXT NOT NULL DEFAULT '{}',
		working_dir       TEXT NOT NULL DEFAULT '',
		required_env_keys TEXT NOT NULL DEFAULT '[]',
		changelog         TEXT NOT NULL DEFAULT '',
		commit_sha        TEXT NOT NULL DEFAULT '',
		branch            TEXT NOT NULL DEFAULT '',
		build_url         TEXT NOT NULL DEFAULT '',
		created_source    TEXT NOT NULL DEFAULT 'user',
		is_active         INTEGER NOT NULL DEFAULT 0,
		created_at        TIMESTAMP NOT NULL,
		UNIQUE (robot_id, version)
	);
	CREATE INDEX idx_versions_robot ON robot_versions(robot_id);

	CREATE TABLE schedules (
		id                    TEXT PRIMARY KEY,
		robot_id              TEXT NOT NULL UNIQUE REFERENCES robots(id) ON DELETE CASCADE,
		enabled               INTEGER NOT NULL DEFAULT 1,
		cron_expr             TEXT NOT NULL,
		timezone              TEXT NOT NULL,
		window_start          TEXT NOT NULL DEFAULT '',
		window_end            TEXT NOT NULL DEFAULT '',
		max_concurrency       INTEGER NOT NULL DEFAULT 1,
		timeout_seconds       INTEGER NOT NULL DEFAULT 3600,
		retry_count           INTEGER NOT NULL DEFAULT 0,
		retry_backoff_seconds INTEGER NOT NULL DEFAULT 60,
		last_tick_at          TIMESTAMP,
		created_at            TIMESTAMP NOT NULL,
		updated_at            TIMESTAMP NOT NULL
	);

	CREATE TABLE sla_rules (
		id                     TEXT PRIMARY KEY,
		robot_id               TEXT NOT NULL UNIQUE REFERENCES robots(id) ON DELETE CASCADE,
		expected_every_minutes INTEGER,
		expected_daily_time    TEXT NOT NULL DEFAULT '',
		late_after_minutes     INTEGER NOT NULL DEFAULT 5,
		alert_on_failure       INTEGER NOT NULL DEFAULT 1,
		alert_on_late          INTEGER NOT NULL DEFAULT 1,
		notify_channels        TEXT NOT NULL DEFAULT '{}',
		created_at             TIMESTAMP NOT NULL,
		updated_at             TIMESTAMP NOT NULL
	);

	CREATE TABLE env_bindings (
		robot_id   TEXT NOT NULL REFERENCES robots(id) ON DELETE CASCADE,
		env_name   TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		is_secret  INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (robot_id, env_name, key)
	);

	CREATE TABLE runs (
		run_id             TEXT PRIMARY KEY,
		robot_id           TEXT NOT NULL REFERENCES robots(id),
		robot_version_id   TEXT NOT NULL REFERENCES robot_versions(id),
		schedule_id        TEXT,
		schedule_fire_time TIMESTAMP,
		env_name           TEXT NOT NULL,
		trigger_type       TEXT NOT NULL,
		attempt            INTEGER NOT NULL DEFAULT 1,
		params             TEXT NOT NULL DEFAULT '{}',
		status             TEXT NOT NULL DEFAULT 'PENDING',
		queued_at          TIMESTAMP NOT NULL,
		started_at         TIMESTAMP,
		finished_at        TIMESTAMP,
		duration_seconds   REAL,
		triggered_by       TEXT NOT NULL DEFAULT '',
		host_name          TEXT NOT NULL DEFAULT '',
		process_id         INTEGER,
		error_message      TEXT NOT NULL DEFAULT '',
		cancel_requested   INTEGER NOT NULL DEFAULT 0,
		canceled_at        TIMESTAMP,
		canceled_by        TEXT NOT NULL DEFAULT '',
		worker_id          TEXT NOT NULL DEFAULT '',
		timeout_seconds    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_runs_robot ON runs(robot_id);
	CREATE INDEX idx_runs_status ON runs(status);
	CREATE INDEX idx_runs_queued ON runs(queued_at);
	CREATE UNIQUE INDEX idx_runs_schedule_fire
		ON runs(schedule_id, schedule_fire_time)
		WHERE schedule_id IS NOT NULL AND schedule_fire_time IS NOT NULL AND trigger_type = 'SCHEDULED';

	CREATE TABLE run_logs (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id    TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		seq       INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		level     TEXT NOT NULL,
		message   TEXT NOT NULL,
		UNIQUE (run_id, seq)
	);
	CREATE INDEX idx_run_logs_run ON run_logs(run_id, seq);

	CREATE TABLE artifacts (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		name         TEXT NOT NULL,
		path         TEXT NOT NULL,
		size_bytes   INTEGER NOT NULL DEFAULT 0,
		content_type TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL,
		UNIQUE (run_id, name)
	);

	CREATE TABLE workers (
		id             TEXT PRIMARY KEY,
		hostname       TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'RUNNING',
		last_heartbeat TIMESTAMP NOT NULL,
		version        TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL
	);

	CREATE TABLE alert_events (
		id          TEXT PRIMARY KEY,
		robot_id    TEXT NOT NULL,
		run_id      TEXT,
		type        TEXT NOT NULL,
		severity    TEXT NOT NULL,
		message     TEXT NOT NULL,
		metadata    TEXT NOT NULL DEFAULT '{}',
		created_at  TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP
	);
	CREATE INDEX idx_alerts_robot_type ON alert_events(robot_id, type);
	`,
}

// migrate applies pending migrations inside one transaction each.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		err := s.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(migrations[i]); err != nil {
				return fmt.Errorf("apply migration %d: %w", version, err)
			}
			if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
				return fmt.Errorf("record migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.logger.Info("applied migration", "version", version)
	}
	return nil
}
