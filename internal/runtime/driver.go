// Package runtime defines the driver abstraction over the container
// backends that host sandbox sessions.
package runtime

import (
	"context"

	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// ExecutorPort is the port the in-sandbox executor listens on.
const ExecutorPort = 8888

// Labels applied to every sandbox container so drivers can recognize
// and reconcile their own containers.
const (
	LabelManagedBy = "sandbox.kweaver.ai/managed-by"
	LabelSessionID = "sandbox.kweaver.ai/session-id"
	ManagedByValue = "sandboxd"
)

// SandboxSpec describes the container a driver must provision for a
// session. It is backend-neutral; drivers translate it to Docker or
// Kubernetes primitives.
type SandboxSpec struct {
	SessionID    string
	Image        string
	Env          map[string]string
	Resources    v1.ResourceLimits
	WorkspaceURI string
	// Packages to install before the executor starts. Empty means the
	// executor starts immediately.
	Packages []string
	// NetworkEnabled opens outbound network access. Default is an
	// isolated sandbox with no network.
	NetworkEnabled bool
	TimeoutSeconds int
}

// SandboxInfo is a driver's view of a live sandbox, used by the
// reconciler to detect drift between the store and the backend.
type SandboxInfo struct {
	Handle    string
	SessionID string
	Running   bool
}

// Driver provisions and tears down sandbox containers on a runtime
// node. Implementations must be safe for concurrent use.
type Driver interface {
	// Kind reports which backend this driver manages.
	Kind() v1.RuntimeKind

	// CreateSandbox provisions a sandbox on the given node and returns
	// an opaque handle identifying it.
	CreateSandbox(ctx context.Context, node string, spec SandboxSpec) (string, error)

	// DestroySandbox tears down the sandbox container. The session's
	// workspace volume survives, so a replacement container sees the
	// same files. Destroying a handle that no longer exists is not an
	// error.
	DestroySandbox(ctx context.Context, node, handle string) error

	// RemoveWorkspace reclaims the session's workspace volume. Called
	// only on terminal teardown, never on recovery. Removing a missing
	// workspace is not an error.
	RemoveWorkspace(ctx context.Context, node, sessionID string) error

	// Logs returns the last tail lines of the sandbox's container
	// output. A non-positive tail returns everything available.
	Logs(ctx context.Context, node, handle string, tail int) ([]byte, error)

	// IsRunning reports whether the sandbox process is live on the
	// backend. A missing sandbox reports false with no error.
	IsRunning(ctx context.Context, node, handle string) (bool, error)

	// ExecutorURL returns the base URL of the executor inside the
	// sandbox, reachable from the control plane.
	ExecutorURL(ctx context.Context, node, handle string) (string, error)

	// ListSandboxes enumerates the sandboxes this driver manages on a
	// node, for reconciliation.
	ListSandboxes(ctx context.Context, node string) ([]SandboxInfo, error)

	// Ping verifies the node's backend is reachable.
	Ping(ctx context.Context, node string) error

	// Close releases backend connections.
	Close() error
}
