package store

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

const executionColumns = `id, session_id, code, language, event, status, stdout, stderr,
	exit_code, execution_time_seconds, return_value, metrics, artifacts,
	timeout_seconds, retry_count, last_heartbeat_at, created_at, completed_at`

// CreateExecution inserts the execution row and touches the parent session's
// last_activity_at in the same transaction.
func (r *SQLRepository) CreateExecution(ctx context.Context, execution *Execution) error {
	now := time.Now().UTC()
	execution.CreatedAt = now
	if execution.Status == "" {
		execution.Status = v1.ExecutionStatusPending
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapStoreErr("create execution", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insert := r.rebind(`INSERT INTO executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		execution.ID, execution.SessionID, execution.Code, execution.Language,
		rawOrNull(execution.Event), execution.Status, execution.Stdout,
		execution.Stderr, execution.ExitCode, execution.ExecutionTimeSeconds,
		rawOrNull(execution.ReturnValue), rawOrNull(execution.Metrics),
		marshalJSON(executionArtifacts(execution)), execution.TimeoutSeconds,
		execution.RetryCount, execution.LastHeartbeatAt, execution.CreatedAt,
		execution.CompletedAt,
	); err != nil {
		return wrapStoreErr("create execution", err)
	}

	touch := r.rebind(`UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, touch, now, now, execution.SessionID); err != nil {
		return wrapStoreErr("touch session activity", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapStoreErr("create execution", err)
	}
	return nil
}

// GetExecution returns the execution with the given id.
func (r *SQLRepository) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := r.rebind(`SELECT ` + executionColumns + ` FROM executions WHERE id = ?`)
	row := r.db.QueryRowContext(ctx, query, id)
	execution, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("execution", id)
	}
	if err != nil {
		return nil, wrapStoreErr("get execution", err)
	}
	return execution, nil
}

// UpdateExecution rewrites the mutable execution fields unconditionally.
// Terminal transitions must go through FinishExecution instead.
func (r *SQLRepository) UpdateExecution(ctx context.Context, execution *Execution) error {
	query := r.rebind(`UPDATE executions SET
		status = ?, stdout = ?, stderr = ?, exit_code = ?, execution_time_seconds = ?,
		return_value = ?, metrics = ?, artifacts = ?, retry_count = ?,
		last_heartbeat_at = ?, completed_at = ?
		WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query,
		execution.Status, execution.Stdout, execution.Stderr, execution.ExitCode,
		execution.ExecutionTimeSeconds, rawOrNull(execution.ReturnValue),
		rawOrNull(execution.Metrics), marshalJSON(executionArtifacts(execution)),
		execution.RetryCount, execution.LastHeartbeatAt, execution.CompletedAt,
		execution.ID,
	)
	if err != nil {
		return wrapStoreErr("update execution", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperrors.NotFound("execution", execution.ID)
	}
	return nil
}

// FinishExecution conditionally advances the execution into a terminal
// state. It only applies while the stored row is non-terminal; repeated
// callbacks for an already-terminal row report applied=false and leave the
// first writer's fields in place.
func (r *SQLRepository) FinishExecution(ctx context.Context, execution *Execution) (bool, error) {
	if !execution.Status.IsTerminal() {
		return false, apperrors.Conflict("finish requires a terminal execution status")
	}
	if execution.CompletedAt == nil {
		now := time.Now().UTC()
		execution.CompletedAt = &now
	}

	query := r.rebind(`UPDATE executions SET
		status = ?, stdout = ?, stderr = ?, exit_code = ?, execution_time_seconds = ?,
		return_value = ?, metrics = ?, artifacts = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`)
	res, err := r.db.ExecContext(ctx, query,
		execution.Status, execution.Stdout, execution.Stderr, execution.ExitCode,
		execution.ExecutionTimeSeconds, rawOrNull(execution.ReturnValue),
		rawOrNull(execution.Metrics), marshalJSON(executionArtifacts(execution)),
		execution.CompletedAt, execution.ID,
		v1.ExecutionStatusCompleted, v1.ExecutionStatusFailed, v1.ExecutionStatusTimeout,
	)
	if err != nil {
		return false, wrapStoreErr("finish execution", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, wrapStoreErr("finish execution", err)
	}
	if affected == 0 {
		// Either the row is already terminal or it does not exist.
		if _, getErr := r.GetExecution(ctx, execution.ID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// ListExecutionsBySession returns all executions for the session.
func (r *SQLRepository) ListExecutionsBySession(ctx context.Context, sessionID string) ([]*Execution, error) {
	query := r.rebind(`SELECT ` + executionColumns + ` FROM executions
		WHERE session_id = ? ORDER BY created_at`)
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, wrapStoreErr("list executions", err)
	}
	defer rows.Close()
	executions, err := scanExecutions(rows)
	if err != nil {
		return nil, wrapStoreErr("list executions", err)
	}
	return executions, nil
}

// ListRunningExecutionsBySession returns the session's running executions.
func (r *SQLRepository) ListRunningExecutionsBySession(ctx context.Context, sessionID string) ([]*Execution, error) {
	query := r.rebind(`SELECT ` + executionColumns + ` FROM executions
		WHERE session_id = ? AND status = ? ORDER BY created_at`)
	rows, err := r.db.QueryContext(ctx, query, sessionID, v1.ExecutionStatusRunning)
	if err != nil {
		return nil, wrapStoreErr("list running executions", err)
	}
	defer rows.Close()
	executions, err := scanExecutions(rows)
	if err != nil {
		return nil, wrapStoreErr("list running executions", err)
	}
	return executions, nil
}

// ListStaleRunningExecutions returns running executions with no heartbeat
// since cutoff.
func (r *SQLRepository) ListStaleRunningExecutions(ctx context.Context, cutoff time.Time) ([]*Execution, error) {
	query := r.rebind(`SELECT ` + executionColumns + ` FROM executions
		WHERE status = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)
		ORDER BY created_at`)
	rows, err := r.db.QueryContext(ctx, query, v1.ExecutionStatusRunning, cutoff.UTC())
	if err != nil {
		return nil, wrapStoreErr("list stale executions", err)
	}
	defer rows.Close()
	executions, err := scanExecutions(rows)
	if err != nil {
		return nil, wrapStoreErr("list stale executions", err)
	}
	return executions, nil
}

// TouchExecutionHeartbeat updates last_heartbeat_at for a running execution.
func (r *SQLRepository) TouchExecutionHeartbeat(ctx context.Context, id string, at time.Time) error {
	query := r.rebind(`UPDATE executions SET last_heartbeat_at = ? WHERE id = ? AND status = ?`)
	res, err := r.db.ExecContext(ctx, query, at.UTC(), id, v1.ExecutionStatusRunning)
	if err != nil {
		return wrapStoreErr("touch execution heartbeat", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, getErr := r.GetExecution(ctx, id); getErr != nil {
			return getErr
		}
		// Heartbeat for a non-running execution is a late arrival; ignore.
	}
	return nil
}

func executionArtifacts(execution *Execution) []v1.ArtifactDescriptor {
	if execution.Artifacts == nil {
		return []v1.ArtifactDescriptor{}
	}
	return execution.Artifacts
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e                            Execution
		event, returnValue, metrics  string
		artifacts                    string
		exitCode                     sql.NullInt64
		lastHeartbeatAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.SessionID, &e.Code, &e.Language, &event, &e.Status,
		&e.Stdout, &e.Stderr, &exitCode, &e.ExecutionTimeSeconds,
		&returnValue, &metrics, &artifacts, &e.TimeoutSeconds, &e.RetryCount,
		&lastHeartbeatAt, &e.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	if lastHeartbeatAt.Valid {
		t := lastHeartbeatAt.Time
		e.LastHeartbeatAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	e.Event = rawJSON(event)
	e.ReturnValue = rawJSON(returnValue)
	e.Metrics = rawJSON(metrics)
	_ = unmarshalInto(artifacts, &e.Artifacts)
	if len(e.Artifacts) == 0 {
		e.Artifacts = nil
	}
	return &e, nil
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	executions := []*Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}
