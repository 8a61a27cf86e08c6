package store

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

const sessionColumns = `id, template_id, status, runtime_kind, runtime_node_id, container_handle,
	workspace_uri, resources, env_vars, timeout_seconds, requested_dependencies,
	installed_dependencies, dependency_status, failure_reason, version,
	last_activity_at, created_at, updated_at, completed_at`

// CreateSession inserts a new session row.
func (r *SQLRepository) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}
	if session.Version == 0 {
		session.Version = 1
	}
	if session.DependencyStatus == "" {
		session.DependencyStatus = v1.DependencyStatusNone
	}

	query := r.rebind(`INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		session.ID, session.TemplateID, session.Status, session.RuntimeKind,
		session.RuntimeNodeID, session.ContainerHandle, session.WorkspaceURI,
		marshalJSON(session.Resources), marshalJSON(session.EnvVars),
		session.TimeoutSeconds, marshalStrings(session.RequestedDependencies),
		marshalStrings(session.InstalledDependencies), session.DependencyStatus,
		session.FailureReason, session.Version, session.LastActivityAt,
		session.CreatedAt, session.UpdatedAt, session.CompletedAt,
	)
	return wrapStoreErr("create session", err)
}

// GetSession returns the session with the given id.
func (r *SQLRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	query := r.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)
	row := r.db.QueryRowContext(ctx, query, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, wrapStoreErr("get session", err)
	}
	return session, nil
}

// UpdateSession writes the session conditionally on its version. A stale
// version returns a conflict; on success the in-memory Version is bumped.
func (r *SQLRepository) UpdateSession(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now().UTC()

	query := r.rebind(`UPDATE sessions SET
		status = ?, runtime_node_id = ?, container_handle = ?, resources = ?,
		env_vars = ?, timeout_seconds = ?, requested_dependencies = ?,
		installed_dependencies = ?, dependency_status = ?, failure_reason = ?,
		version = version + 1, last_activity_at = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`)
	res, err := r.db.ExecContext(ctx, query,
		session.Status, session.RuntimeNodeID, session.ContainerHandle,
		marshalJSON(session.Resources), marshalJSON(session.EnvVars),
		session.TimeoutSeconds, marshalStrings(session.RequestedDependencies),
		marshalStrings(session.InstalledDependencies), session.DependencyStatus,
		session.FailureReason, session.LastActivityAt, session.UpdatedAt,
		session.CompletedAt, session.ID, session.Version,
	)
	if err != nil {
		return wrapStoreErr("update session", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapStoreErr("update session", err)
	}
	if affected == 0 {
		// Distinguish a missing row from a concurrent writer.
		if _, getErr := r.GetSession(ctx, session.ID); getErr != nil {
			return getErr
		}
		return apperrors.Conflict("session was modified concurrently")
	}
	session.Version++
	return nil
}

// DeleteSession removes the session row and, via cascade, its executions.
func (r *SQLRepository) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return wrapStoreErr("delete session", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// ListSessions returns a page of sessions ordered by id, with an opaque
// cursor for continuation.
func (r *SQLRepository) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*Session, string, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []any{}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	if opts.Cursor != "" {
		query += ` AND id > ?`
		args = append(args, opts.Cursor)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, "", wrapStoreErr("list sessions", err)
	}
	defer rows.Close()

	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, "", wrapStoreErr("list sessions", err)
	}

	next := ""
	if len(sessions) > limit {
		sessions = sessions[:limit]
		next = sessions[limit-1].ID
	}
	return sessions, next, nil
}

// ListSessionsByStatus returns all sessions in any of the given statuses.
func (r *SQLRepository) ListSessionsByStatus(ctx context.Context, statuses ...v1.SessionStatus) ([]*Session, error) {
	if len(statuses) == 0 {
		return []*Session{}, nil
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (`
	args := make([]any, 0, len(statuses))
	for i, s := range statuses {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, s)
	}
	query += `) ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, wrapStoreErr("list sessions by status", err)
	}
	defer rows.Close()
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, wrapStoreErr("list sessions by status", err)
	}
	return sessions, nil
}

// ListSessionsByNode returns all sessions bound to the given runtime node.
func (r *SQLRepository) ListSessionsByNode(ctx context.Context, nodeID string) ([]*Session, error) {
	query := r.rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE runtime_node_id = ? ORDER BY created_at`)
	rows, err := r.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, wrapStoreErr("list sessions by node", err)
	}
	defer rows.Close()
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, wrapStoreErr("list sessions by node", err)
	}
	return sessions, nil
}

// ListIdleRunningSessions returns running sessions idle since before cutoff.
func (r *SQLRepository) ListIdleRunningSessions(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	query := r.rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = ? AND last_activity_at < ? ORDER BY last_activity_at`)
	rows, err := r.db.QueryContext(ctx, query, v1.SessionStatusRunning, cutoff.UTC())
	if err != nil {
		return nil, wrapStoreErr("list idle sessions", err)
	}
	defer rows.Close()
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, wrapStoreErr("list idle sessions", err)
	}
	return sessions, nil
}

// ListExpiredRunningSessions returns running sessions created before cutoff.
func (r *SQLRepository) ListExpiredRunningSessions(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	query := r.rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = ? AND created_at < ? ORDER BY created_at`)
	rows, err := r.db.QueryContext(ctx, query, v1.SessionStatusRunning, cutoff.UTC())
	if err != nil {
		return nil, wrapStoreErr("list expired sessions", err)
	}
	defer rows.Close()
	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, wrapStoreErr("list expired sessions", err)
	}
	return sessions, nil
}

// CountActiveSessionsByTemplate counts non-terminal sessions referencing the
// template.
func (r *SQLRepository) CountActiveSessionsByTemplate(ctx context.Context, templateID string) (int, error) {
	query := r.rebind(`SELECT COUNT(*) FROM sessions
		WHERE template_id = ? AND status IN (?, ?)`)
	var count int
	err := r.db.QueryRowContext(ctx, query, templateID,
		v1.SessionStatusCreating, v1.SessionStatusRunning).Scan(&count)
	if err != nil {
		return 0, wrapStoreErr("count active sessions", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s                      Session
		resources, envVars     string
		requested, installed   string
		runtimeNodeID          sql.NullString
		containerHandle        sql.NullString
		completedAt            sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.TemplateID, &s.Status, &s.RuntimeKind, &runtimeNodeID,
		&containerHandle, &s.WorkspaceURI, &resources, &envVars,
		&s.TimeoutSeconds, &requested, &installed, &s.DependencyStatus,
		&s.FailureReason, &s.Version, &s.LastActivityAt, &s.CreatedAt,
		&s.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if runtimeNodeID.Valid {
		s.RuntimeNodeID = &runtimeNodeID.String
	}
	if containerHandle.Valid {
		s.ContainerHandle = &containerHandle.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	_ = unmarshalInto(resources, &s.Resources)
	_ = unmarshalInto(envVars, &s.EnvVars)
	s.RequestedDependencies = unmarshalStrings(requested)
	s.InstalledDependencies = unmarshalStrings(installed)
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	sessions := []*Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
