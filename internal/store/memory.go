package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// MemoryRepository provides an in-memory entity store for tests and
// single-process development. It mirrors the SQL implementation's
// transition semantics, including version conflicts and idempotent
// terminal writes.
type MemoryRepository struct {
	mu         sync.RWMutex
	templates  map[string]*Template
	sessions   map[string]*Session
	executions map[string]*Execution
	nodes      map[string]*RuntimeNode
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		templates:  make(map[string]*Template),
		sessions:   make(map[string]*Session),
		executions: make(map[string]*Execution),
		nodes:      make(map[string]*RuntimeNode),
	}
}

func cloneTemplate(t *Template) *Template {
	c := *t
	c.Packages = append([]string(nil), t.Packages...)
	return &c
}

func cloneSession(s *Session) *Session {
	c := *s
	if s.RuntimeNodeID != nil {
		v := *s.RuntimeNodeID
		c.RuntimeNodeID = &v
	}
	if s.ContainerHandle != nil {
		v := *s.ContainerHandle
		c.ContainerHandle = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		c.CompletedAt = &v
	}
	c.RequestedDependencies = append([]string(nil), s.RequestedDependencies...)
	c.InstalledDependencies = append([]string(nil), s.InstalledDependencies...)
	if s.EnvVars != nil {
		c.EnvVars = make(map[string]string, len(s.EnvVars))
		for k, v := range s.EnvVars {
			c.EnvVars[k] = v
		}
	}
	return &c
}

func cloneExecution(e *Execution) *Execution {
	c := *e
	if e.ExitCode != nil {
		v := *e.ExitCode
		c.ExitCode = &v
	}
	if e.LastHeartbeatAt != nil {
		v := *e.LastHeartbeatAt
		c.LastHeartbeatAt = &v
	}
	if e.CompletedAt != nil {
		v := *e.CompletedAt
		c.CompletedAt = &v
	}
	c.Artifacts = append([]v1.ArtifactDescriptor(nil), e.Artifacts...)
	return &c
}

func cloneNode(n *RuntimeNode) *RuntimeNode {
	c := *n
	c.CachedImages = append([]string(nil), n.CachedImages...)
	return &c
}

// Template operations

func (r *MemoryRepository) CreateTemplate(_ context.Context, template *Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.templates {
		if t.Name == template.Name {
			return apperrors.StoreIntegrity("template name already exists", nil)
		}
	}
	now := time.Now().UTC()
	template.CreatedAt = now
	template.UpdatedAt = now
	r.templates[template.ID] = cloneTemplate(template)
	return nil
}

func (r *MemoryRepository) GetTemplate(_ context.Context, id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, apperrors.NotFound("template", id)
	}
	return cloneTemplate(t), nil
}

func (r *MemoryRepository) GetTemplateByName(_ context.Context, name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.templates {
		if t.Name == name {
			return cloneTemplate(t), nil
		}
	}
	return nil, apperrors.NotFound("template", name)
}

func (r *MemoryRepository) UpdateTemplate(_ context.Context, template *Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[template.ID]; !ok {
		return apperrors.NotFound("template", template.ID)
	}
	template.UpdatedAt = time.Now().UTC()
	r.templates[template.ID] = cloneTemplate(template)
	return nil
}

func (r *MemoryRepository) DeleteTemplate(ctx context.Context, id string) error {
	active, err := r.CountActiveSessionsByTemplate(ctx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		return apperrors.Conflict("template is referenced by active sessions")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[id]; !ok {
		return apperrors.NotFound("template", id)
	}
	delete(r.templates, id)
	return nil
}

func (r *MemoryRepository) ListTemplates(_ context.Context) ([]*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	templates := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		templates = append(templates, cloneTemplate(t))
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, nil
}

// Session operations

func (r *MemoryRepository) CreateSession(_ context.Context, session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[session.TemplateID]; !ok {
		return apperrors.StoreIntegrity("session references unknown template", nil)
	}
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
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return cloneSession(s), nil
}

func (r *MemoryRepository) UpdateSession(_ context.Context, session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[session.ID]
	if !ok {
		return apperrors.NotFound("session", session.ID)
	}
	if current.Version != session.Version {
		return apperrors.Conflict("session was modified concurrently")
	}
	session.Version++
	session.UpdatedAt = time.Now().UTC()
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

// SetSessionUpdatedAt backdates a session's update clock, bypassing the
// version guard. Test-only helper for sweep cutoffs.
func (r *MemoryRepository) SetSessionUpdatedAt(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	current.UpdatedAt = at
	return nil
}

func (r *MemoryRepository) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return apperrors.NotFound("session", id)
	}
	delete(r.sessions, id)
	for execID, exec := range r.executions {
		if exec.SessionID == id {
			delete(r.executions, execID)
		}
	}
	return nil
}

func (r *MemoryRepository) ListSessions(_ context.Context, opts ListSessionsOptions) ([]*Session, string, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		if opts.Cursor != "" && strings.Compare(s.ID, opts.Cursor) <= 0 {
			continue
		}
		all = append(all, cloneSession(s))
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	next := ""
	if len(all) > limit {
		all = all[:limit]
		next = all[limit-1].ID
	}
	return all, next, nil
}

func (r *MemoryRepository) ListSessionsByStatus(_ context.Context, statuses ...v1.SessionStatus) ([]*Session, error) {
	wanted := make(map[v1.SessionStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := []*Session{}
	for _, s := range r.sessions {
		if wanted[s.Status] {
			sessions = append(sessions, cloneSession(s))
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

func (r *MemoryRepository) ListSessionsByNode(_ context.Context, nodeID string) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := []*Session{}
	for _, s := range r.sessions {
		if s.RuntimeNodeID != nil && *s.RuntimeNodeID == nodeID {
			sessions = append(sessions, cloneSession(s))
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

func (r *MemoryRepository) ListIdleRunningSessions(_ context.Context, cutoff time.Time) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := []*Session{}
	for _, s := range r.sessions {
		if s.Status == v1.SessionStatusRunning && s.LastActivityAt.Before(cutoff) {
			sessions = append(sessions, cloneSession(s))
		}
	}
	return sessions, nil
}

func (r *MemoryRepository) ListExpiredRunningSessions(_ context.Context, cutoff time.Time) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := []*Session{}
	for _, s := range r.sessions {
		if s.Status == v1.SessionStatusRunning && s.CreatedAt.Before(cutoff) {
			sessions = append(sessions, cloneSession(s))
		}
	}
	return sessions, nil
}

func (r *MemoryRepository) CountActiveSessionsByTemplate(_ context.Context, templateID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.TemplateID == templateID && s.Status.IsActive() {
			count++
		}
	}
	return count, nil
}

// Execution operations

func (r *MemoryRepository) CreateExecution(_ context.Context, execution *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[execution.SessionID]
	if !ok {
		return apperrors.StoreIntegrity("execution references unknown session", nil)
	}
	now := time.Now().UTC()
	execution.CreatedAt = now
	if execution.Status == "" {
		execution.Status = v1.ExecutionStatusPending
	}
	r.executions[execution.ID] = cloneExecution(execution)
	session.LastActivityAt = now
	session.UpdatedAt = now
	return nil
}

func (r *MemoryRepository) GetExecution(_ context.Context, id string) (*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executions[id]
	if !ok {
		return nil, apperrors.NotFound("execution", id)
	}
	return cloneExecution(e), nil
}

func (r *MemoryRepository) UpdateExecution(_ context.Context, execution *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executions[execution.ID]; !ok {
		return apperrors.NotFound("execution", execution.ID)
	}
	r.executions[execution.ID] = cloneExecution(execution)
	return nil
}

func (r *MemoryRepository) FinishExecution(_ context.Context, execution *Execution) (bool, error) {
	if !execution.Status.IsTerminal() {
		return false, apperrors.Conflict("finish requires a terminal execution status")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.executions[execution.ID]
	if !ok {
		return false, apperrors.NotFound("execution", execution.ID)
	}
	if current.Status.IsTerminal() {
		return false, nil
	}
	if execution.CompletedAt == nil {
		now := time.Now().UTC()
		execution.CompletedAt = &now
	}
	updated := cloneExecution(current)
	updated.Status = execution.Status
	updated.Stdout = execution.Stdout
	updated.Stderr = execution.Stderr
	updated.ExitCode = execution.ExitCode
	updated.ExecutionTimeSeconds = execution.ExecutionTimeSeconds
	updated.ReturnValue = execution.ReturnValue
	updated.Metrics = execution.Metrics
	updated.Artifacts = append([]v1.ArtifactDescriptor(nil), execution.Artifacts...)
	updated.CompletedAt = execution.CompletedAt
	r.executions[execution.ID] = updated
	return true, nil
}

func (r *MemoryRepository) ListExecutionsBySession(_ context.Context, sessionID string) ([]*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executions := []*Execution{}
	for _, e := range r.executions {
		if e.SessionID == sessionID {
			executions = append(executions, cloneExecution(e))
		}
	}
	sort.Slice(executions, func(i, j int) bool { return executions[i].CreatedAt.Before(executions[j].CreatedAt) })
	return executions, nil
}

func (r *MemoryRepository) ListRunningExecutionsBySession(_ context.Context, sessionID string) ([]*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executions := []*Execution{}
	for _, e := range r.executions {
		if e.SessionID == sessionID && e.Status == v1.ExecutionStatusRunning {
			executions = append(executions, cloneExecution(e))
		}
	}
	sort.Slice(executions, func(i, j int) bool { return executions[i].CreatedAt.Before(executions[j].CreatedAt) })
	return executions, nil
}

func (r *MemoryRepository) ListStaleRunningExecutions(_ context.Context, cutoff time.Time) ([]*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executions := []*Execution{}
	for _, e := range r.executions {
		if e.Status != v1.ExecutionStatusRunning {
			continue
		}
		if e.LastHeartbeatAt == nil || e.LastHeartbeatAt.Before(cutoff) {
			executions = append(executions, cloneExecution(e))
		}
	}
	return executions, nil
}

func (r *MemoryRepository) TouchExecutionHeartbeat(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[id]
	if !ok {
		return apperrors.NotFound("execution", id)
	}
	if e.Status == v1.ExecutionStatusRunning {
		t := at.UTC()
		e.LastHeartbeatAt = &t
	}
	return nil
}

// Runtime node operations

func (r *MemoryRepository) UpsertNode(_ context.Context, node *RuntimeNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node.UpdatedAt = time.Now().UTC()
	if node.LastHeartbeatAt.IsZero() {
		node.LastHeartbeatAt = node.UpdatedAt
	}
	r.nodes[node.ID] = cloneNode(node)
	return nil
}

func (r *MemoryRepository) GetNode(_ context.Context, id string) (*RuntimeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, apperrors.NotFound("runtime node", id)
	}
	return cloneNode(n), nil
}

func (r *MemoryRepository) UpdateNode(_ context.Context, node *RuntimeNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node.ID]; !ok {
		return apperrors.NotFound("runtime node", node.ID)
	}
	node.UpdatedAt = time.Now().UTC()
	r.nodes[node.ID] = cloneNode(node)
	return nil
}

func (r *MemoryRepository) ListNodes(_ context.Context) ([]*RuntimeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]*RuntimeNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, cloneNode(n))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (r *MemoryRepository) ListNodesByStatus(_ context.Context, status v1.NodeStatus) ([]*RuntimeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := []*RuntimeNode{}
	for _, n := range r.nodes {
		if n.Status == status {
			nodes = append(nodes, cloneNode(n))
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// Ping always succeeds for the in-memory store.
func (r *MemoryRepository) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (r *MemoryRepository) Close() error { return nil }
