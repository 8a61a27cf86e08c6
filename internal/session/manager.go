// Package session implements the session lifecycle engine: the durable
// state machine binding a logical session to a physical container.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kweaver-ai/sandbox/internal/artifacts"
	"github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/events/bus"
	"github.com/kweaver-ai/sandbox/internal/runtime"
	"github.com/kweaver-ai/sandbox/internal/scheduler"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// mutateRetries bounds how often a writer re-applies its change after
// losing a version race.
const mutateRetries = 3

// ArtifactCleaner removes a session's objects from the artifact store.
type ArtifactCleaner interface {
	DeleteAll(ctx context.Context, prefix string) error
}

// Options carries the session manager's tunables, resolved from config
// at wiring time.
type Options struct {
	ControlPlaneURL string
	InternalToken   string
	CreateDeadline  time.Duration
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	SweepInterval   time.Duration

	DefaultTimeoutSeconds int
	MaxTimeoutSeconds     int
	StrictTimeouts        bool
}

// CreateRequest is the resolved input for creating a session.
type CreateRequest struct {
	TemplateID     string
	Resources      *v1.ResourceLimits
	TimeoutSeconds *int
	EnvVars        map[string]string
	Dependencies   []string
}

// Manager owns the session state machine. All status transitions go
// through version-conditional writes so concurrent actors (client
// terminate, reconciler recovery, idle sweep) serialize per session.
type Manager struct {
	repo      store.Repository
	sched     *scheduler.Scheduler
	driver    runtime.Driver
	artifacts ArtifactCleaner
	bus       bus.EventBus
	opts      Options
	logger    *logger.Logger

	// onContainerLost is invoked after a running session loses its
	// container, so the execution manager can crash-classify in-flight
	// executions. Set once at wiring time.
	onContainerLost func(ctx context.Context, sessionID string)
}

func NewManager(
	repo store.Repository,
	sched *scheduler.Scheduler,
	driver runtime.Driver,
	cleaner ArtifactCleaner,
	eventBus bus.EventBus,
	opts Options,
	log *logger.Logger,
) *Manager {
	return &Manager{
		repo:      repo,
		sched:     sched,
		driver:    driver,
		artifacts: cleaner,
		bus:       eventBus,
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "session-manager")),
	}
}

// SetContainerLostHandler registers the hook called when a running
// session's container disappears.
func (m *Manager) SetContainerLostHandler(fn func(ctx context.Context, sessionID string)) {
	m.onContainerLost = fn
}

// Create provisions a new session: persist intent, schedule, create the
// container, bind it, and arm the readiness deadline.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Session, error) {
	template, err := m.repo.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.ValidationError("template_id", "unknown template")
		}
		return nil, err
	}

	timeoutSeconds, err := m.resolveTimeout(req.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	resources := template.DefaultResources
	if req.Resources != nil {
		resources = *req.Resources
	}

	sess := &store.Session{
		ID:                    v1.NewID(v1.SessionIDPrefix),
		TemplateID:            template.ID,
		Status:                v1.SessionStatusCreating,
		RuntimeKind:           m.driver.Kind(),
		Resources:             resources,
		EnvVars:               req.EnvVars,
		TimeoutSeconds:        timeoutSeconds,
		RequestedDependencies: req.Dependencies,
		DependencyStatus:      v1.DependencyStatusNone,
		LastActivityAt:        time.Now().UTC(),
	}
	sess.WorkspaceURI = "sessions/" + sess.ID
	if len(req.Dependencies) > 0 {
		sess.DependencyStatus = v1.DependencyStatusInstalling
	}

	if err := m.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	m.publish(ctx, bus.SubjectSessionCreated, "session.created", sess, nil)

	if err := m.provision(ctx, sess, template); err != nil {
		m.failSession(context.WithoutCancel(ctx), sess.ID, err.Error())
		return nil, err
	}

	// Reload so the caller sees the bound node and handle.
	return m.repo.GetSession(ctx, sess.ID)
}

func (m *Manager) resolveTimeout(requested *int) (int, error) {
	if requested == nil {
		return m.opts.DefaultTimeoutSeconds, nil
	}
	t := *requested
	if t <= 0 {
		return 0, errors.ValidationError("timeout", "must be a positive number of seconds")
	}
	if t > m.opts.MaxTimeoutSeconds {
		if m.opts.StrictTimeouts {
			return 0, errors.ValidationError("timeout", "exceeds the configured maximum")
		}
		t = m.opts.MaxTimeoutSeconds
	}
	return t, nil
}

// provision schedules the session onto a node, creates its container
// and binds the placement. The session keeps its workspace_uri, so a
// reprovisioned container sees the same files.
func (m *Manager) provision(ctx context.Context, sess *store.Session, template *store.Template) error {
	node, err := m.sched.Pick(ctx, scheduler.Request{
		SessionID: sess.ID,
		ImageRef:  template.ImageRef,
		Resources: sess.Resources,
	})
	if err != nil {
		return err
	}

	handle, err := m.driver.CreateSandbox(ctx, node.ID, m.buildSpec(sess, template))
	if err != nil {
		return err
	}

	_, err = m.mutate(ctx, sess.ID, func(s *store.Session) error {
		if s.Status.IsTerminal() {
			// Lost a race with terminate; tear the new container down.
			return errors.Conflict("session reached a terminal state during provisioning")
		}
		s.RuntimeNodeID = &node.ID
		s.ContainerHandle = &handle
		return nil
	})
	if err != nil {
		if destroyErr := m.driver.DestroySandbox(context.WithoutCancel(ctx), node.ID, handle); destroyErr != nil {
			m.logger.WithSessionID(sess.ID).WithError(destroyErr).Warn("Failed to destroy orphaned container")
		}
		return err
	}

	m.adjustNodeUsage(ctx, node.ID, sess.Resources, +1)
	m.armReadinessDeadline(sess.ID, handle)
	return nil
}

// buildSpec translates a session into the driver-neutral container
// spec. The executor env carries everything it needs to call back.
func (m *Manager) buildSpec(sess *store.Session, template *store.Template) runtime.SandboxSpec {
	env := map[string]string{
		"SESSION_ID":         sess.ID,
		"CONTROL_PLANE_URL":  m.opts.ControlPlaneURL,
		"INTERNAL_API_TOKEN": m.opts.InternalToken,
	}
	for k, v := range sess.EnvVars {
		env[k] = v
	}

	return runtime.SandboxSpec{
		SessionID:    sess.ID,
		Image:        template.ImageRef,
		Env:          env,
		Resources:    sess.Resources,
		WorkspaceURI: sess.WorkspaceURI,
		Packages:     sess.RequestedDependencies,
		// Callbacks and dependency install both need the control-plane
		// network.
		NetworkEnabled: true,
		TimeoutSeconds: sess.TimeoutSeconds,
	}
}

// armReadinessDeadline fails the session if the executor never reports
// container_ready within the creation deadline.
func (m *Manager) armReadinessDeadline(sessionID, handle string) {
	deadline := m.opts.CreateDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	time.AfterFunc(deadline, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, err := m.repo.GetSession(ctx, sessionID)
		if err != nil {
			return
		}
		if sess.Status != v1.SessionStatusCreating || sess.ContainerHandle == nil || *sess.ContainerHandle != handle {
			return
		}

		m.logger.WithSessionID(sessionID).Warn("Container did not become ready before deadline")
		m.failSession(ctx, sessionID, "container did not become ready within the creation deadline")
	})
}

// HandleContainerReady transitions creating -> running on the
// executor's callback.
func (m *Manager) HandleContainerReady(ctx context.Context, sessionID string) error {
	sess, err := m.mutate(ctx, sessionID, func(s *store.Session) error {
		if s.Status != v1.SessionStatusCreating {
			return errors.Conflict("session is not awaiting readiness")
		}
		s.Status = v1.SessionStatusRunning
		s.LastActivityAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	m.publish(ctx, bus.SubjectSessionRunning, "session.running", sess, nil)
	return nil
}

// HandleContainerExited processes the executor's early-exit notice. A
// creating session fails; a running session loses its container and
// goes back to creating for recovery.
func (m *Manager) HandleContainerExited(ctx context.Context, sessionID, detail string) error {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case v1.SessionStatusCreating:
		m.failSession(ctx, sessionID, "container exited during startup: "+detail)
		return nil
	case v1.SessionStatusRunning:
		return m.Recover(ctx, sessionID)
	default:
		// Terminal already; late notice is ignored.
		return nil
	}
}

// HandleDependencyResult processes the executor's install report.
func (m *Manager) HandleDependencyResult(ctx context.Context, sessionID string, success bool, installed []string, detail string) error {
	if success {
		_, err := m.mutate(ctx, sessionID, func(s *store.Session) error {
			if s.Status.IsTerminal() {
				return errors.Conflict("session already terminal")
			}
			s.DependencyStatus = v1.DependencyStatusReady
			s.InstalledDependencies = installed
			return nil
		})
		return err
	}

	_, err := m.mutate(ctx, sessionID, func(s *store.Session) error {
		if s.Status.IsTerminal() {
			return errors.Conflict("session already terminal")
		}
		s.DependencyStatus = v1.DependencyStatusFailed
		return nil
	})
	if err != nil {
		return err
	}
	m.failSession(ctx, sessionID, "dependency install failed: "+detail)
	return nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	return m.repo.GetSession(ctx, id)
}

// List returns a page of sessions.
func (m *Manager) List(ctx context.Context, opts store.ListSessionsOptions) ([]*store.Session, string, error) {
	return m.repo.ListSessions(ctx, opts)
}

// Logs returns the tail of the session's container output.
func (m *Manager) Logs(ctx context.Context, id string, tail int) ([]byte, error) {
	sess, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.ContainerHandle == nil || sess.RuntimeNodeID == nil {
		return nil, errors.Conflict("session has no container")
	}
	return m.driver.Logs(ctx, *sess.RuntimeNodeID, *sess.ContainerHandle, tail)
}

// Terminate ends a session at client request. Exactly one of two
// concurrent terminates wins; the loser gets a conflict.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	return m.endSession(ctx, id, v1.SessionStatusTerminated, "terminated by client", bus.SubjectSessionTerminated, "session.terminated")
}

// endSession moves an active session to a terminal state, destroys its
// container and reclaims its workspace.
func (m *Manager) endSession(ctx context.Context, id string, status v1.SessionStatus, reason, subject, eventType string) error {
	var nodeID, handle string
	sess, err := m.mutate(ctx, id, func(s *store.Session) error {
		if s.Status.IsTerminal() {
			return errors.Conflict("session is already terminal")
		}
		if s.RuntimeNodeID != nil {
			nodeID = *s.RuntimeNodeID
		}
		if s.ContainerHandle != nil {
			handle = *s.ContainerHandle
		}
		now := time.Now().UTC()
		s.Status = status
		s.FailureReason = reason
		s.ContainerHandle = nil
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	if handle != "" {
		if err := m.driver.DestroySandbox(context.WithoutCancel(ctx), nodeID, handle); err != nil {
			m.logger.WithSessionID(id).WithError(err).Warn("Failed to destroy container during teardown")
		}
		m.adjustNodeUsage(ctx, nodeID, sess.Resources, -1)
	}
	// The workspace volume outlives the container for recovery; a
	// terminal session reclaims it here.
	if err := m.driver.RemoveWorkspace(context.WithoutCancel(ctx), nodeID, id); err != nil {
		m.logger.WithSessionID(id).WithError(err).Warn("Failed to remove workspace volume")
	}

	// Workspace reclamation is best effort and never reverts the status.
	go func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := m.artifacts.DeleteAll(cleanupCtx, artifacts.SessionPrefix(sess.ID)); err != nil {
			m.logger.WithSessionID(id).WithError(err).Warn("Failed to delete session artifacts")
		}
	}()

	m.publish(ctx, subject, eventType, sess, map[string]any{"reason": reason})
	return nil
}

// failSession marks a session failed and tears down any container it
// still owns.
func (m *Manager) failSession(ctx context.Context, id, reason string) {
	var nodeID, handle string
	sess, err := m.mutate(ctx, id, func(s *store.Session) error {
		if s.Status.IsTerminal() {
			return errors.Conflict("session is already terminal")
		}
		if s.RuntimeNodeID != nil {
			nodeID = *s.RuntimeNodeID
		}
		if s.ContainerHandle != nil {
			handle = *s.ContainerHandle
		}
		now := time.Now().UTC()
		s.Status = v1.SessionStatusFailed
		s.FailureReason = reason
		s.ContainerHandle = nil
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		if !errors.IsConflict(err) {
			m.logger.WithSessionID(id).WithError(err).Error("Failed to mark session failed")
		}
		return
	}

	if handle != "" {
		if err := m.driver.DestroySandbox(context.WithoutCancel(ctx), nodeID, handle); err != nil {
			m.logger.WithSessionID(id).WithError(err).Warn("Failed to destroy container of failed session")
		}
		m.adjustNodeUsage(ctx, nodeID, sess.Resources, -1)
	}
	if err := m.driver.RemoveWorkspace(context.WithoutCancel(ctx), nodeID, id); err != nil {
		m.logger.WithSessionID(id).WithError(err).Warn("Failed to remove workspace volume of failed session")
	}
	m.publish(ctx, bus.SubjectSessionFailed, "session.failed", sess, map[string]any{"reason": reason})
}

// MarkFailed force-fails a session, tearing down any container it
// still owns. Used by the reconciler for unrecoverable drift.
func (m *Manager) MarkFailed(ctx context.Context, id, reason string) {
	m.failSession(ctx, id, reason)
}

// Recover reprovisions a session whose container is gone: back to
// creating, crash-classify its in-flight executions, then schedule a
// fresh container onto the same workspace.
func (m *Manager) Recover(ctx context.Context, sessionID string) error {
	var oldNode, oldHandle string
	sess, err := m.mutate(ctx, sessionID, func(s *store.Session) error {
		if !s.Status.IsActive() {
			return errors.Conflict("session is not active")
		}
		if s.RuntimeNodeID != nil {
			oldNode = *s.RuntimeNodeID
		}
		if s.ContainerHandle != nil {
			oldHandle = *s.ContainerHandle
		}
		s.Status = v1.SessionStatusCreating
		s.ContainerHandle = nil
		s.RuntimeNodeID = nil
		if len(s.RequestedDependencies) > 0 {
			s.DependencyStatus = v1.DependencyStatusInstalling
		}
		return nil
	})
	if err != nil {
		return err
	}

	if oldHandle != "" {
		if err := m.driver.DestroySandbox(context.WithoutCancel(ctx), oldNode, oldHandle); err != nil {
			m.logger.WithSessionID(sessionID).WithError(err).Warn("Failed to remove lost container remains")
		}
		m.adjustNodeUsage(ctx, oldNode, sess.Resources, -1)
	}

	if m.onContainerLost != nil {
		m.onContainerLost(ctx, sessionID)
	}

	template, err := m.repo.GetTemplate(ctx, sess.TemplateID)
	if err != nil {
		m.failSession(ctx, sessionID, "recovery failed: "+err.Error())
		return err
	}
	if err := m.provision(ctx, sess, template); err != nil {
		m.failSession(ctx, sessionID, "recovery failed: "+err.Error())
		return err
	}

	m.logger.WithSessionID(sessionID).Info("Session container reprovisioned")
	return nil
}

// RunSweeper terminates idle and over-age running sessions until ctx is
// cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	interval := m.opts.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	idle, err := m.repo.ListIdleRunningSessions(ctx, now.Add(-m.opts.IdleTimeout))
	if err != nil {
		m.logger.WithError(err).Error("Idle sweep query failed")
	} else {
		for _, sess := range idle {
			if err := m.endSession(ctx, sess.ID, v1.SessionStatusTerminated, "idle timeout", bus.SubjectSessionTerminated, "session.terminated"); err != nil && !errors.IsConflict(err) {
				m.logger.WithSessionID(sess.ID).WithError(err).Warn("Failed to terminate idle session")
			}
		}
	}

	expired, err := m.repo.ListExpiredRunningSessions(ctx, now.Add(-m.opts.MaxLifetime))
	if err != nil {
		m.logger.WithError(err).Error("Lifetime sweep query failed")
		return
	}
	for _, sess := range expired {
		if err := m.endSession(ctx, sess.ID, v1.SessionStatusTerminated, "max lifetime reached", bus.SubjectSessionTerminated, "session.terminated"); err != nil && !errors.IsConflict(err) {
			m.logger.WithSessionID(sess.ID).WithError(err).Warn("Failed to terminate expired session")
		}
	}
}

// mutate applies fn inside a get/update loop guarded by the session's
// version column, retrying a bounded number of times on lost races.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*store.Session) error) (*store.Session, error) {
	var lastErr error
	for range mutateRetries {
		sess, err := m.repo.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sess); err != nil {
			return nil, err
		}
		if err := m.repo.UpdateSession(ctx, sess); err != nil {
			if errors.IsConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return sess, nil
	}
	return nil, lastErr
}

// adjustNodeUsage applies an advisory load delta to a node's recorded
// usage. The health probe corrects drift on its next cycle.
func (m *Manager) adjustNodeUsage(ctx context.Context, nodeID string, res v1.ResourceLimits, delta int) {
	if nodeID == "" {
		return
	}
	node, err := m.repo.GetNode(ctx, nodeID)
	if err != nil {
		return
	}
	node.CPUUsed += float64(delta) * res.CPUCores
	node.MemoryUsed += int64(delta) * res.MemoryBytes
	node.ContainerCount += delta
	if node.CPUUsed < 0 {
		node.CPUUsed = 0
	}
	if node.MemoryUsed < 0 {
		node.MemoryUsed = 0
	}
	if node.ContainerCount < 0 {
		node.ContainerCount = 0
	}
	if err := m.repo.UpdateNode(ctx, node); err != nil {
		m.logger.WithNodeID(nodeID).WithError(err).Debug("Failed to record node usage")
	}
}

func (m *Manager) publish(ctx context.Context, subject, eventType string, sess *store.Session, extra map[string]any) {
	data := map[string]any{
		"session_id":  sess.ID,
		"template_id": sess.TemplateID,
		"status":      string(sess.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, "sandboxd", data)); err != nil {
		m.logger.WithSessionID(sess.ID).WithError(err).Debug("Failed to publish session event")
	}
}
