package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator"
)

// CreateRobot inserts a new robot. The ID and timestamps are assigned when
// empty.
func (s *Store) CreateRobot(ctx context.Context, r *orchestrator.Robot) error {
	if r.Name == "" {
		return &orchestrator.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.nowUTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Tags == nil {
		r.Tags = orchestrator.StringList{}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO robots (id, name, description, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		r.ID, r.Name, r.Description, r.Tags, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return orchestrator.ErrRobotExists
	}
	return err
}

// GetRobot loads a robot by id.
func (s *Store) GetRobot(ctx context.Context, id string) (*orchestrator.Robot, error) {
	var r orchestrator.Robot
	err := s.db.GetContext(ctx, &r, s.rebind(`SELECT * FROM robots WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrRobotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRobotByName loads a robot by its unique name.
func (s *Store) GetRobotByName(ctx context.Context, name string) (*orchestrator.Robot, error) {
	var r orchestrator.Robot
	err := s.db.GetContext(ctx, &r, s.rebind(`SELECT * FROM robots WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrRobotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRobots returns every robot ordered by name.
func (s *Store) ListRobots(ctx context.Context) ([]*orchestrator.Robot, error) {
	var robots []*orchestrator.Robot
	if err := s.db.SelectContext(ctx, &robots, `SELECT * FROM robots ORDER BY name`); err != nil {
		return nil, err
	}
	return robots, nil
}

// UpdateRobot updates description and tags.
func (s *Store) UpdateRobot(ctx context.Context, r *orchestrator.Robot) error {
	r.UpdatedAt = s.nowUTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE robots SET description = ?, tags = ?, updated_at = ? WHERE id = ?`),
		r.Description, r.Tags, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	return requireRow(res, orchestrator.ErrRobotNotFound)
}

// DeleteRobot removes the robot and, through cascades, everything it owns.
func (s *Store) DeleteRobot(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM robots WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res, orchestrator.ErrRobotNotFound)
}

// CreateVersion inserts a new robot version. The first version of a robot is
// activated automatically.
func (s *Store) CreateVersion(ctx context.Context, v *orchestrator.RobotVersion) error {
	if v.RobotID == "" || v.Version == "" {
		return &orchestrator.ValidationError{Field: "version", Reason: "robot_id and version are required"}
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Channel == "" {
		v.Channel = orchestrator.ChannelStable
	}
	if v.DefaultArguments == nil {
		v.DefaultArguments = orchestrator.StringList{}
	}
	if v.DefaultEnv == nil {
		v.DefaultEnv = orchestrator.StringMap{}
	}
	if v.RequiredEnvKeys == nil {
		v.RequiredEnvKeys = orchestrator.StringList{}
	}
	v.CreatedAt = s.nowUTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, s.rebind(
		`SELECT COUNT(*) FROM robot_versions WHERE robot_id = ?`), v.RobotID); err != nil {
		return err
	}
	if count == 0 {
		v.IsActive = true
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO robot_versions (
			id, robot_id, version, artifact_type, artifact_path, artifact_sha256,
			entrypoint_type, entrypoint_path, working_directory, default_arguments,
			default_env, required_env_keys, channel, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.RobotID, v.Version, v.ArtifactType, v.ArtifactPath, v.ArtifactSHA256,
		v.EntrypointType, v.EntrypointPath, v.WorkingDirectory, v.DefaultArguments,
		v.DefaultEnv, v.RequiredEnvKeys, v.Channel, v.IsActive, v.CreatedAt)
	if isUniqueViolation(err) {
		return orchestrator.ErrVersionExists
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetVersion loads a version by id.
func (s *Store) GetVersion(ctx context.Context, id string) (*orchestrator.RobotVersion, error) {
	var v orchestrator.RobotVersion
	err := s.db.GetContext(ctx, &v, s.rebind(`SELECT * FROM robot_versions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns a robot's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, robotID string) ([]*orchestrator.RobotVersion, error) {
	var versions []*orchestrator.RobotVersion
	err := s.db.SelectContext(ctx, &versions, s.rebind(`
		SELECT * FROM robot_versions WHERE robot_id = ? ORDER BY created_at DESC`), robotID)
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// ActiveVersion returns the robot's single active version.
func (s *Store) ActiveVersion(ctx context.Context, robotID string) (*orchestrator.RobotVersion, error) {
	var v orchestrator.RobotVersion
	err := s.db.GetContext(ctx, &v, s.rebind(`
		SELECT * FROM robot_versions WHERE robot_id = ? AND is_active`), robotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrNoRunnableVersion
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ActivateVersion marks the version active and deactivates its siblings in
// the same transaction.
func (s *Store) ActivateVersion(ctx context.Context, robotID, versionID string) (*orchestrator.RobotVersion, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var v orchestrator.RobotVersion
	err = tx.GetContext(ctx, &v, s.rebind(
		`SELECT * FROM robot_versions WHERE id = ? AND robot_id = ?`), versionID, robotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE robot_versions SET is_active = FALSE WHERE robot_id = ?`), robotID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE robot_versions SET is_active = TRUE WHERE id = ?`), versionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	v.IsActive = true
	return &v, nil
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}
