package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateRobot inserts a robot. The name is globally unique.
func (s *Store) CreateRobot(name, description string, tags []string, now time.Time) (*Robot, error) {
	r := &Robot{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(
		`INSERT INTO robots (id, name, description, tags, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, marshalJSON(tags), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("robot name %q: %w", name, ErrConflict)
		}
		return nil, fmt.Errorf("insert robot: %w", err)
	}
	return r, nil
}

// GetRobot loads a robot by id.
func (s *Store) GetRobot(id string) (*Robot, error) {
	return scanRobot(s.db.QueryRow(
		`SELECT id, name, description, tags, created_at, updated_at FROM robots WHERE id = ?`, id))
}

// GetRobotByName loads a robot by its unique name (CI deploys address
// robots by name, not id).
func (s *Store) GetRobotByName(name string) (*Robot, error) {
	return scanRobot(s.db.QueryRow(
		`SELECT id, name, description, tags, created_at, updated_at FROM robots WHERE name = ?`, name))
}

// ListRobots returns every robot ordered by name.
func (s *Store) ListRobots() ([]*Robot, error) {
	rows, err := s.db.Query(`SELECT id, name, description, tags, created_at, updated_at FROM robots ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	defer rows.Close()

	var out []*Robot
	for rows.Next() {
		r, err := scanRobot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateVersion inserts a published version. (robot, version) is unique.
func (s *Store) CreateVersion(v *RobotVersion) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Channel == "" {
		v.Channel = "stable"
	}
	if v.CreatedSource == "" {
		v.CreatedSource = "user"
	}
	err := s.inTx(func(tx *sql.Tx) error {
		if v.IsActive {
			if _, err := tx.Exec(`UPDATE robot_versions SET is_active = 0 WHERE robot_id = ?`, v.RobotID); err != nil {
				return fmt.Errorf("deactivate siblings: %w", err)
			}
		}
		_, err := tx.Exec(`
			INSERT INTO robot_versions (
				id, robot_id, version, channel, artifact_kind, artifact_digest,
				entrypoint_kind, entrypoint_path, default_args, default_env,
				working_dir, required_env_keys, changelog, commit_sha, branch,
				build_url, created_source, is_active, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.RobotID, v.Version, v.Channel, v.ArtifactKind, v.ArtifactDigest,
			v.EntrypointKind, v.EntrypointPath, marshalJSON(v.DefaultArgs), marshalJSON(v.DefaultEnv),
			v.WorkingDir, marshalJSON(v.RequiredEnvKeys), v.Changelog, v.CommitSHA, v.Branch,
			v.BuildURL, v.CreatedSource, v.IsActive, v.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("version %s for robot %s: %w", v.Version, v.RobotID, ErrConflict)
			}
			return fmt.Errorf("insert version: %w", err)
		}
		return nil
	})
	return err
}

// GetVersion loads a version by id.
func (s *Store) GetVersion(id string) (*RobotVersion, error) {
	return scanVersion(s.db.QueryRow(versionSelect+` WHERE id = ?`, id))
}

// ActiveVersion returns the robot's active version, or ErrNotFound when
// none is marked active.
func (s *Store) ActiveVersion(robotID string) (*RobotVersion, error) {
	return scanVersion(s.db.QueryRow(
		versionSelect+` WHERE robot_id = ? AND is_active = 1 ORDER BY created_at DESC LIMIT 1`, robotID))
}

// ListVersions returns all versions of a robot, newest first.
func (s *Store) ListVersions(robotID string) ([]*RobotVersion, error) {
	rows, err := s.db.Query(versionSelect+` WHERE robot_id = ? ORDER BY created_at DESC`, robotID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*RobotVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ActivateVersion marks one version active and deactivates every sibling
// atomically. The version must belong to the robot.
func (s *Store) ActivateVersion(robotID, versionID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRow(`SELECT robot_id FROM robot_versions WHERE id = ?`, versionID).Scan(&owner)
		if err == sql.ErrNoRows {
			return fmt.Errorf("version %s: %w", versionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load version: %w", err)
		}
		if owner != robotID {
			return fmt.Errorf("version %s does not belong to robot %s: %w", versionID, robotID, ErrConflict)
		}
		if _, err := tx.Exec(`UPDATE robot_versions SET is_active = 0 WHERE robot_id = ?`, robotID); err != nil {
			return fmt.Errorf("deactivate siblings: %w", err)
		}
		if _, err := tx.Exec(`UPDATE robot_versions SET is_active = 1 WHERE id = ?`, versionID); err != nil {
			return fmt.Errorf("activate version: %w", err)
		}
		return nil
	})
}

const versionSelect = `
	SELECT id, robot_id, version, channel, artifact_kind, artifact_digest,
	       entrypoint_kind, entrypoint_path, default_args, default_env,
	       working_dir, required_env_keys, changelog, commit_sha, branch,
	       build_url, created_source, is_active, created_at
	FROM robot_versions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRobot(row rowScanner) (*Robot, error) {
	var r Robot
	var tags string
	err := row.Scan(&r.ID, &r.Name, &r.Description, &tags, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan robot: %w", err)
	}
	unmarshalJSON(tags, &r.Tags)
	return &r, nil
}

func scanVersion(row rowScanner) (*RobotVersion, error) {
	var v RobotVersion
	var args, env, required string
	err := row.Scan(
		&v.ID, &v.RobotID, &v.Version, &v.Channel, &v.ArtifactKind, &v.ArtifactDigest,
		&v.EntrypointKind, &v.EntrypointPath, &args, &env,
		&v.WorkingDir, &required, &v.Changelog, &v.CommitSHA, &v.Branch,
		&v.BuildURL, &v.CreatedSource, &v.IsActive, &v.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	unmarshalJSON(args, &v.DefaultArgs)
	unmarshalJSON(env, &v.DefaultEnv)
	unmarshalJSON(required, &v.RequiredEnvKeys)
	return &v, nil
}

// marshalJSON serializes v for a JSON text column; empty on failure is
// fine because every column has a JSON default.
func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func unmarshalJSON(data string, v any) {
	if data == "" {
		return
	}
	_ = json.Unmarshal([]byte(data), v)
}

// isUniqueViolation detects SQLite UNIQUE constraint failures without
// depending on driver error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
