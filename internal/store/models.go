// Package store implements the entity store: typed repositories for
// sessions, executions, templates, and runtime nodes backed by PostgreSQL
// or SQLite, with transactional status transitions.
package store

import (
	"encoding/json"
	"time"

	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// Template is the immutable recipe from which sessions are created.
type Template struct {
	ID               string            `json:"id" db:"id"`
	Name             string            `json:"name" db:"name"`
	ImageRef         string            `json:"image_ref" db:"image_ref"`
	DefaultResources v1.ResourceLimits `json:"default_resources" db:"-"`
	Packages         []string          `json:"packages,omitempty" db:"-"`
	SecurityContext  json.RawMessage   `json:"security_context,omitempty" db:"-"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// Session is a logical execution context bound to at most one live container.
type Session struct {
	ID              string           `json:"id"`
	TemplateID      string           `json:"template_id"`
	Status          v1.SessionStatus `json:"status"`
	RuntimeKind     v1.RuntimeKind   `json:"runtime_kind"`
	RuntimeNodeID   *string          `json:"runtime_node_id,omitempty"`
	ContainerHandle *string          `json:"container_handle,omitempty"`

	// WorkspaceURI never changes after creation; container reincarnations
	// reuse the same workspace.
	WorkspaceURI string `json:"workspace_uri"`

	Resources      v1.ResourceLimits `json:"resources"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`

	RequestedDependencies []string            `json:"requested_dependencies,omitempty"`
	InstalledDependencies []string            `json:"installed_dependencies,omitempty"`
	DependencyStatus      v1.DependencyStatus `json:"dependency_status"`

	// FailureReason carries a diagnostic string when the session failed
	// (driver error, dependency install log tail, creation timeout).
	FailureReason string `json:"failure_reason,omitempty"`

	// Version guards concurrent lifecycle transitions; every successful
	// update increments it.
	Version int64 `json:"-"`

	LastActivityAt time.Time  `json:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Execution is one code-run inside a session.
type Execution struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Code      string             `json:"code"`
	Language  string             `json:"language"`
	Event     json.RawMessage    `json:"event,omitempty"` // stdin payload, kept for re-dispatch
	Status    v1.ExecutionStatus `json:"status"`

	Stdout               string          `json:"stdout,omitempty"`
	Stderr               string          `json:"stderr,omitempty"`
	ExitCode             *int            `json:"exit_code,omitempty"`
	ExecutionTimeSeconds float64         `json:"execution_time_seconds,omitempty"`
	ReturnValue          json.RawMessage `json:"return_value,omitempty"`
	Metrics              json.RawMessage `json:"metrics,omitempty"`

	Artifacts []v1.ArtifactDescriptor `json:"artifacts,omitempty"`

	TimeoutSeconds  int        `json:"timeout_seconds"`
	RetryCount      int        `json:"retry_count"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// RuntimeNode is a place where containers can be created.
type RuntimeNode struct {
	ID       string         `json:"id"`
	Kind     v1.RuntimeKind `json:"kind"`
	Endpoint string         `json:"endpoint"`
	Status   v1.NodeStatus  `json:"status"`

	CPUTotal    float64 `json:"cpu_total"`
	CPUUsed     float64 `json:"cpu_used"`
	MemoryTotal int64   `json:"memory_total"`
	MemoryUsed  int64   `json:"memory_used"`

	ContainerCount int `json:"container_count"`
	CapacityCap    int `json:"capacity_cap"`

	CachedImages []string `json:"cached_images,omitempty"`

	// WorkspaceDir is the host directory Docker nodes bind workspaces from.
	WorkspaceDir string `json:"workspace_dir,omitempty"`

	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ResidualCPU returns the unallocated CPU cores on the node.
func (n *RuntimeNode) ResidualCPU() float64 { return n.CPUTotal - n.CPUUsed }

// ResidualMemory returns the unallocated memory bytes on the node.
func (n *RuntimeNode) ResidualMemory() int64 { return n.MemoryTotal - n.MemoryUsed }

// HasCachedImage reports whether the node already holds the image.
func (n *RuntimeNode) HasCachedImage(imageRef string) bool {
	for _, img := range n.CachedImages {
		if img == imageRef {
			return true
		}
	}
	return false
}
