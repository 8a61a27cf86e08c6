package session

import (
	"time"

	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// CreateSessionRequest is the POST /sessions body.
type CreateSessionRequest struct {
	TemplateID     string             `json:"template_id" binding:"required"`
	Resources      *v1.ResourceLimits `json:"resources,omitempty"`
	TimeoutSeconds *int               `json:"timeout,omitempty"`
	EnvVars        map[string]string  `json:"env_vars,omitempty"`
	Dependencies   []string           `json:"dependencies,omitempty"`
}

// CreateSessionResponse is the short form returned on creation.
type CreateSessionResponse struct {
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	WorkspaceURI string    `json:"workspace_uri"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionDTO is the full session document.
type SessionDTO struct {
	ID                    string            `json:"session_id"`
	TemplateID            string            `json:"template_id"`
	Status                string            `json:"status"`
	RuntimeKind           string            `json:"runtime_kind"`
	RuntimeNodeID         *string           `json:"runtime_node_id,omitempty"`
	WorkspaceURI          string            `json:"workspace_uri"`
	Resources             v1.ResourceLimits `json:"resources"`
	EnvVars               map[string]string `json:"env_vars,omitempty"`
	TimeoutSeconds        int               `json:"timeout_seconds"`
	RequestedDependencies []string          `json:"requested_dependencies,omitempty"`
	InstalledDependencies []string          `json:"installed_dependencies,omitempty"`
	DependencyStatus      string            `json:"dependency_status"`
	FailureReason         string            `json:"failure_reason,omitempty"`
	LastActivityAt        time.Time         `json:"last_activity_at"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

// ListSessionsResponse is the paged list envelope.
type ListSessionsResponse struct {
	Items      []SessionDTO `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// ContainerExitedRequest is the executor's early-exit notice body.
type ContainerExitedRequest struct {
	ExitCode int    `json:"exit_code"`
	Detail   string `json:"detail,omitempty"`
}

// DependencyResultRequest is the executor's install report body.
type DependencyResultRequest struct {
	Success   bool     `json:"success"`
	Installed []string `json:"installed,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

// FromSession converts a stored session into its API form.
func FromSession(s *store.Session) SessionDTO {
	return SessionDTO{
		ID:                    s.ID,
		TemplateID:            s.TemplateID,
		Status:                string(s.Status),
		RuntimeKind:           string(s.RuntimeKind),
		RuntimeNodeID:         s.RuntimeNodeID,
		WorkspaceURI:          s.WorkspaceURI,
		Resources:             s.Resources,
		EnvVars:               s.EnvVars,
		TimeoutSeconds:        s.TimeoutSeconds,
		RequestedDependencies: s.RequestedDependencies,
		InstalledDependencies: s.InstalledDependencies,
		DependencyStatus:      string(s.DependencyStatus),
		FailureReason:         s.FailureReason,
		LastActivityAt:        s.LastActivityAt,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
		CompletedAt:           s.CompletedAt,
	}
}
