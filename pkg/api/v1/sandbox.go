// Package v1 defines the wire-level types shared between the control plane
// services: status enums, resource limits, and artifact descriptors.
package v1

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID prefixes for the entity types exposed over the API.
const (
	SessionIDPrefix   = "sess"
	ExecutionIDPrefix = "exec"
	TemplateIDPrefix  = "tmpl"
	NodeIDPrefix      = "node"
)

// NewID returns a prefixed, dash-free unique identifier such as
// "sess_4f7f3b2a91c04ad8b8f0d0a2a7f3c9d1".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// SessionStatus represents the lifecycle state of a sandbox session.
type SessionStatus string

const (
	SessionStatusCreating   SessionStatus = "creating"
	SessionStatusRunning    SessionStatus = "running"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusTimeout    SessionStatus = "timeout"
	SessionStatusTerminated SessionStatus = "terminated"
)

// IsTerminal reports whether the session can no longer transition.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusTimeout, SessionStatusTerminated:
		return true
	}
	return false
}

// IsActive reports whether the session may own a container.
func (s SessionStatus) IsActive() bool {
	return s == SessionStatusCreating || s == SessionStatusRunning
}

// ExecutionStatus represents the state of a single code run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusCrashed   ExecutionStatus = "crashed"
)

// IsTerminal reports whether the execution is final. Crashed is not final:
// the execution manager may re-dispatch a crashed execution.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimeout:
		return true
	}
	return false
}

// DependencyStatus tracks in-container package installation.
type DependencyStatus string

const (
	DependencyStatusNone       DependencyStatus = "none"
	DependencyStatusInstalling DependencyStatus = "installing"
	DependencyStatusReady      DependencyStatus = "ready"
	DependencyStatusFailed     DependencyStatus = "failed"
)

// RuntimeKind selects the container runtime backing a session.
type RuntimeKind string

const (
	RuntimeKindDocker     RuntimeKind = "docker"
	RuntimeKindKubernetes RuntimeKind = "kubernetes"
)

// NodeStatus represents the health state of a runtime node.
type NodeStatus string

const (
	NodeStatusOnline   NodeStatus = "online"
	NodeStatusOffline  NodeStatus = "offline"
	NodeStatusDraining NodeStatus = "draining"
)

// ArtifactKind classifies a workspace artifact.
type ArtifactKind string

const (
	ArtifactKindArtifact ArtifactKind = "artifact"
	ArtifactKindLog      ArtifactKind = "log"
	ArtifactKindOutput   ArtifactKind = "output"
)

// ResourceLimits defines container resource limits. CPU is expressed in
// cores (may be fractional), memory and disk in bytes.
type ResourceLimits struct {
	CPUCores    float64 `json:"cpu_cores"`
	MemoryBytes int64   `json:"memory_bytes"`
	DiskBytes   int64   `json:"disk_bytes"`
}

// ArtifactDescriptor describes one file produced in a session workspace.
type ArtifactDescriptor struct {
	Path      string       `json:"path"` // relative to /workspace
	SizeBytes int64        `json:"size_bytes"`
	MimeType  string       `json:"mime_type,omitempty"`
	Kind      ArtifactKind `json:"kind"`
	Checksum  string       `json:"checksum,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
