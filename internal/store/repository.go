package store

import (
	"context"
	"time"

	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// ListSessionsOptions controls paging for session listings.
type ListSessionsOptions struct {
	Status v1.SessionStatus // empty matches all
	Limit  int
	Cursor string // session id to continue after
}

// Repository defines the entity store operations. All multi-row writes that
// cross invariants happen inside a single transaction in the implementation.
type Repository interface {
	// Template operations
	CreateTemplate(ctx context.Context, template *Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
	GetTemplateByName(ctx context.Context, name string) (*Template, error)
	UpdateTemplate(ctx context.Context, template *Template) error
	// DeleteTemplate fails with a conflict while any non-terminal session
	// references the template.
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context) ([]*Template, error)

	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// UpdateSession performs a conditional write guarded by the session's
	// Version; a stale version returns a conflict and leaves the row
	// untouched. On success the Version on the passed struct is bumped.
	UpdateSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*Session, string, error)
	ListSessionsByStatus(ctx context.Context, statuses ...v1.SessionStatus) ([]*Session, error)
	ListSessionsByNode(ctx context.Context, nodeID string) ([]*Session, error)
	// ListIdleRunningSessions returns running sessions whose last activity
	// predates the cutoff.
	ListIdleRunningSessions(ctx context.Context, cutoff time.Time) ([]*Session, error)
	// ListExpiredRunningSessions returns running sessions created before
	// the cutoff (max-lifetime enforcement).
	ListExpiredRunningSessions(ctx context.Context, cutoff time.Time) ([]*Session, error)
	// CountActiveSessionsByTemplate backs the template restrict-delete rule.
	CountActiveSessionsByTemplate(ctx context.Context, templateID string) (int, error)

	// Execution operations
	// CreateExecution inserts the execution row and touches the session's
	// last_activity_at in the same transaction.
	CreateExecution(ctx context.Context, execution *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, execution *Execution) error
	// FinishExecution conditionally moves the execution into a terminal
	// state. It only applies when the stored row is still non-terminal;
	// a row already terminal reports applied=false and keeps the first
	// writer's fields (idempotent result ingestion).
	FinishExecution(ctx context.Context, execution *Execution) (applied bool, err error)
	ListExecutionsBySession(ctx context.Context, sessionID string) ([]*Execution, error)
	ListRunningExecutionsBySession(ctx context.Context, sessionID string) ([]*Execution, error)
	// ListStaleRunningExecutions returns running executions whose last
	// heartbeat predates the cutoff.
	ListStaleRunningExecutions(ctx context.Context, cutoff time.Time) ([]*Execution, error)
	TouchExecutionHeartbeat(ctx context.Context, id string, at time.Time) error

	// Runtime node operations
	UpsertNode(ctx context.Context, node *RuntimeNode) error
	GetNode(ctx context.Context, id string) (*RuntimeNode, error)
	UpdateNode(ctx context.Context, node *RuntimeNode) error
	ListNodes(ctx context.Context) ([]*RuntimeNode, error)
	ListNodesByStatus(ctx context.Context, status v1.NodeStatus) ([]*RuntimeNode, error)

	// Ping verifies store connectivity for readiness checks.
	Ping(ctx context.Context) error

	// Close closes the repository (for database connections).
	Close() error
}
