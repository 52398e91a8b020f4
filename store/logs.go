package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator"
)

// AppendRunLog inserts one log line and returns it with its assigned id.
// Ids are monotonically increasing, which fixes the per-run log order.
func (s *Store) AppendRunLog(ctx context.Context, runID string, level orchestrator.LogLevel, message string) (*orchestrator.RunLog, error) {
	if level == "" {
		level = orchestrator.LogInfo
	}
	now := s.nowUTC()
	var id int64
	switch s.dialect {
	case DialectPostgres:
		err := s.db.QueryRowxContext(ctx, s.rebind(`
			INSERT INTO run_logs (run_id, level, message, created_at)
			VALUES (?, ?, ?, ?) RETURNING id`),
			runID, level, message, now).Scan(&id)
		if err != nil {
			return nil, err
		}
	default:
		res, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO run_logs (run_id, level, message, created_at)
			VALUES (?, ?, ?, ?)`),
			runID, level, message, now)
		if err != nil {
			return nil, err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
	}
	return &orchestrator.RunLog{
		ID:        id,
		RunID:     runID,
		Level:     level,
		Message:   message,
		CreatedAt: now,
	}, nil
}

// ListRunLogs returns the first limit log lines in append order.
func (s *Store) ListRunLogs(ctx context.Context, runID string, limit int) ([]*orchestrator.RunLog, error) {
	if limit <= 0 {
		limit = 500
	}
	var logs []*orchestrator.RunLog
	err := s.db.SelectContext(ctx, &logs, s.rebind(`
		SELECT * FROM run_logs WHERE run_id = ? ORDER BY id ASC LIMIT ?`),
		runID, limit)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// TailRunLogs returns the last n log lines in append order. Subscribers use
// it for replay before switching to the live channel.
func (s *Store) TailRunLogs(ctx context.Context, runID string, n int) ([]*orchestrator.RunLog, error) {
	if n <= 0 {
		n = 200
	}
	var logs []*orchestrator.RunLog
	err := s.db.SelectContext(ctx, &logs, s.rebind(`
		SELECT * FROM run_logs WHERE run_id = ? ORDER BY id DESC LIMIT ?`),
		runID, n)
	if err != nil {
		return nil, err
	}
	// Reverse into ascending id order.
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// DeleteRunLogsBefore removes log lines older than the cutoff and reports how
// many went away.
func (s *Store) DeleteRunLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM run_logs WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertArtifact registers one output file for a run. Duplicate paths for the
// same run are ignored so finalization can be retried.
func (s *Store) InsertArtifact(ctx context.Context, a *orchestrator.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.nowUTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO run_artifacts (id, run_id, file_path, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		a.ID, a.RunID, a.FilePath, a.SizeBytes, a.CreatedAt)
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// ListArtifacts returns a run's registered output files.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*orchestrator.Artifact, error) {
	var artifacts []*orchestrator.Artifact
	err := s.db.SelectContext(ctx, &artifacts, s.rebind(`
		SELECT * FROM run_artifacts WHERE run_id = ? ORDER BY file_path`), runID)
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

// GetArtifact loads one artifact scoped to its run.
func (s *Store) GetArtifact(ctx context.Context, runID, id string) (*orchestrator.Artifact, error) {
	var a orchestrator.Artifact
	err := s.db.GetContext(ctx, &a, s.rebind(`
		SELECT * FROM run_artifacts WHERE id = ? AND run_id = ?`), id, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteArtifactsForRun removes a run's artifact rows.
func (s *Store) DeleteArtifactsForRun(ctx context.Context, runID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM run_artifacts WHERE run_id = ?`), runID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListArtifactsBefore returns artifact rows registered before the cutoff,
// oldest first. The retention sweep feeds on it.
func (s *Store) ListArtifactsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*orchestrator.Artifact, error) {
	if limit <= 0 {
		limit = 1000
	}
	var artifacts []*orchestrator.Artifact
	err := s.db.SelectContext(ctx, &artifacts, s.rebind(`
		SELECT * FROM run_artifacts WHERE created_at < ? ORDER BY created_at LIMIT ?`),
		cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

// DeleteArtifactsBefore removes artifact rows registered before the cutoff.
func (s *Store) DeleteArtifactsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM run_artifacts WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertAudit appends one audit record.
func (s *Store) InsertAudit(ctx context.Context, a *orchestrator.AuditEvent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Metadata == nil {
		a.Metadata = orchestrator.Metadata{}
	}
	a.CreatedAt = s.nowUTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_events (id, actor, action, entity_type, entity_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Actor, a.Action, a.EntityType, a.EntityID, a.Metadata, a.CreatedAt)
	return err
}

// ListAudits returns audit records for an action and entity, oldest first.
func (s *Store) ListAudits(ctx context.Context, action, entityID string) ([]*orchestrator.AuditEvent, error) {
	var events []*orchestrator.AuditEvent
	err := s.db.SelectContext(ctx, &events, s.rebind(`
		SELECT * FROM audit_events WHERE action = ? AND entity_id = ?
		ORDER BY created_at ASC`), action, entityID)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// UpsertEnvVar stores an encrypted value for (robot, environment, key).
func (s *Store) UpsertEnvVar(ctx context.Context, v *orchestrator.RobotEnvVar) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.UpdatedAt = s.nowUTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO robot_env_vars (id, robot_id, env_name, env_key, value_encrypted, is_secret, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (robot_id, env_name, env_key)
		DO UPDATE SET value_encrypted = excluded.value_encrypted,
			is_secret = excluded.is_secret, updated_at = excluded.updated_at`),
		v.ID, v.RobotID, v.EnvName, v.Key, v.ValueEncrypted, v.IsSecret, v.UpdatedAt)
	return err
}

// GetEnvVar loads one encrypted value.
func (s *Store) GetEnvVar(ctx context.Context, robotID string, env orchestrator.EnvName, key string) (*orchestrator.RobotEnvVar, error) {
	var v orchestrator.RobotEnvVar
	err := s.db.GetContext(ctx, &v, s.rebind(`
		SELECT * FROM robot_env_vars WHERE robot_id = ? AND env_name = ? AND env_key = ?`),
		robotID, env, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrEnvVarNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListEnvVars returns the robot's encrypted values for one environment.
func (s *Store) ListEnvVars(ctx context.Context, robotID string, env orchestrator.EnvName) ([]*orchestrator.RobotEnvVar, error) {
	var vars []*orchestrator.RobotEnvVar
	err := s.db.SelectContext(ctx, &vars, s.rebind(`
		SELECT * FROM robot_env_vars WHERE robot_id = ? AND env_name = ? ORDER BY env_key`),
		robotID, env)
	if err != nil {
		return nil, err
	}
	return vars, nil
}

// DeleteEnvVar removes one stored value.
func (s *Store) DeleteEnvVar(ctx context.Context, robotID string, env orchestrator.EnvName, key string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM robot_env_vars WHERE robot_id = ? AND env_name = ? AND env_key = ?`),
		robotID, env, key)
	if err != nil {
		return err
	}
	return requireRow(res, orchestrator.ErrEnvVarNotFound)
}

// MissingEnvKeys returns which of the given keys have no stored value for
// (robot, environment). Registry preflight depends on it.
func (s *Store) MissingEnvKeys(ctx context.Context, robotID string, env orchestrator.EnvName, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vars, err := s.ListEnvVars(ctx, robotID, env)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(vars))
	for _, v := range vars {
		present[v.Key] = true
	}
	var missing []string
	for _, k := range keys {
		if !present[k] {
			missing = append(missing, k)
		}
	}
	return missing, nil
}
