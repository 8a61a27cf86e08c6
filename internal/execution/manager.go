// Package execution runs code inside session containers and owns the
// execution state machine: dispatch, heartbeat supervision, crash
// retry and idempotent result ingestion.
package execution

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kweaver-ai/sandbox/internal/artifacts"
	"github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/events/bus"
	"github.com/kweaver-ai/sandbox/internal/runtime"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

const (
	// retryBackoffBase and retryBackoffMax bound the exponential delay
	// between crash retries.
	retryBackoffBase = time.Second
	retryBackoffMax  = 10 * time.Second

	// signalExitFloor is the first exit code the shell uses for
	// signal-terminated processes (128+N). Codes below it, other than
	// zero, mean the user's code raised its own error.
	signalExitFloor = 128
)

// LogSpiller stores overflow output as objects keyed under logs/.
type LogSpiller interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) (string, error)
}

// Options carries the execution manager's tunables.
type Options struct {
	DefaultTimeoutSeconds int
	MaxTimeoutSeconds     int
	StrictTimeouts        bool
	HeartbeatTimeout      time.Duration
	HeartbeatInterval     time.Duration
	Grace                 time.Duration
	MaxRetries            int
	OutputCapBytes        int64
}

// SubmitRequest is the resolved input for starting an execution.
type SubmitRequest struct {
	SessionID      string
	Code           string
	Language       string
	Stdin          json.RawMessage
	TimeoutSeconds *int
}

// ResultPayload is the executor's terminal report for one execution.
type ResultPayload struct {
	Status               v1.ExecutionStatus
	Stdout               string
	Stderr               string
	ExitCode             *int
	ExecutionTimeSeconds float64
	ReturnValue          json.RawMessage
	Metrics              json.RawMessage
	Artifacts            []v1.ArtifactDescriptor
}

// Manager owns the execution state machine. Every terminal transition
// goes through the store's conditional finish, so late or duplicate
// reports never overwrite the first outcome.
type Manager struct {
	repo     store.Repository
	driver   runtime.Driver
	executor ExecutorClient
	spiller  LogSpiller
	bus      bus.EventBus
	opts     Options
	logger   *logger.Logger
}

func NewManager(
	repo store.Repository,
	driver runtime.Driver,
	executor ExecutorClient,
	spiller LogSpiller,
	eventBus bus.EventBus,
	opts Options,
	log *logger.Logger,
) *Manager {
	return &Manager{
		repo:     repo,
		driver:   driver,
		executor: executor,
		spiller:  spiller,
		bus:      eventBus,
		opts:     opts,
		logger:   log.WithFields(zap.String("component", "execution-manager")),
	}
}

// Submit validates the request against the session's state, persists a
// pending execution and dispatches it to the container asynchronously.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*store.Execution, error) {
	sess, err := m.repo.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != v1.SessionStatusRunning {
		return nil, errors.Conflict("session is not running")
	}
	if sess.DependencyStatus == v1.DependencyStatusInstalling {
		return nil, errors.Conflict("dependency install still in progress")
	}

	if req.Language == "" {
		req.Language = "python"
	}
	if req.Language != "python" {
		return nil, errors.ValidationError("language", "only python is supported")
	}
	if req.Code == "" {
		return nil, errors.ValidationError("code", "must not be empty")
	}

	timeoutSeconds, err := m.resolveTimeout(req.TimeoutSeconds, sess.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	exec := &store.Execution{
		ID:             v1.NewID(v1.ExecutionIDPrefix),
		SessionID:      sess.ID,
		Code:           req.Code,
		Language:       req.Language,
		Event:          req.Stdin,
		Status:         v1.ExecutionStatusPending,
		TimeoutSeconds: timeoutSeconds,
	}
	if err := m.repo.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	go m.dispatch(context.WithoutCancel(ctx), exec.ID)
	return exec, nil
}

func (m *Manager) resolveTimeout(requested *int, sessionDefault int) (int, error) {
	if requested == nil {
		if sessionDefault > 0 {
			return sessionDefault, nil
		}
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

// dispatch delivers a pending execution to its session's executor and
// flips it to running. Delivery failures crash-classify so the retry
// ladder applies.
func (m *Manager) dispatch(ctx context.Context, executionID string) {
	log := m.logger.WithExecutionID(executionID)

	exec, err := m.repo.GetExecution(ctx, executionID)
	if err != nil {
		log.WithError(err).Error("Failed to load execution for dispatch")
		return
	}
	if exec.Status != v1.ExecutionStatusPending {
		return
	}

	sess, err := m.repo.GetSession(ctx, exec.SessionID)
	if err != nil || sess.Status != v1.SessionStatusRunning || sess.ContainerHandle == nil || sess.RuntimeNodeID == nil {
		m.handleCrash(ctx, exec, "session container is unavailable")
		return
	}

	baseURL, err := m.driver.ExecutorURL(ctx, *sess.RuntimeNodeID, *sess.ContainerHandle)
	if err != nil {
		m.handleCrash(ctx, exec, "failed to resolve executor address: "+err.Error())
		return
	}

	err = m.executor.Execute(ctx, baseURL, ExecutePayload{
		ExecutionID: exec.ID,
		Code:        exec.Code,
		Language:    exec.Language,
		Timeout:     exec.TimeoutSeconds,
		Stdin:       exec.Event,
	})
	if err != nil {
		m.handleCrash(ctx, exec, "failed to deliver execution: "+err.Error())
		return
	}

	now := time.Now().UTC()
	exec.Status = v1.ExecutionStatusRunning
	exec.LastHeartbeatAt = &now
	if err := m.repo.UpdateExecution(ctx, exec); err != nil {
		log.WithError(err).Error("Failed to mark execution running")
		return
	}

	m.publish(ctx, bus.SubjectExecutionStarted, "execution.started", exec, nil)
	m.armDeadline(exec.ID, exec.TimeoutSeconds)
}

// armDeadline enforces the control-plane timeout: the executor gets the
// full timeout plus a grace window to report on its own, after which
// the execution is timed out and its container destroyed.
func (m *Manager) armDeadline(executionID string, timeoutSeconds int) {
	grace := m.opts.Grace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	time.AfterFunc(time.Duration(timeoutSeconds)*time.Second+grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		exec, err := m.repo.GetExecution(ctx, executionID)
		if err != nil || exec.Status.IsTerminal() {
			return
		}

		m.logger.WithExecutionID(executionID).Warn("Execution exceeded its deadline without a report")
		m.markTimeout(ctx, exec)
	})
}

// markTimeout finishes the execution as timed out and destroys the
// container it was running in. The session recovers through the
// container-exited path.
func (m *Manager) markTimeout(ctx context.Context, exec *store.Execution) {
	now := time.Now().UTC()
	finished := *exec
	finished.Status = v1.ExecutionStatusTimeout
	finished.Stderr = "execution exceeded its timeout"
	finished.CompletedAt = &now

	applied, err := m.repo.FinishExecution(ctx, &finished)
	if err != nil {
		m.logger.WithExecutionID(exec.ID).WithError(err).Error("Failed to record execution timeout")
		return
	}
	if !applied {
		return
	}
	m.publish(ctx, bus.SubjectExecutionFinished, "execution.finished", &finished, nil)

	sess, err := m.repo.GetSession(ctx, exec.SessionID)
	if err != nil || sess.ContainerHandle == nil || sess.RuntimeNodeID == nil {
		return
	}
	// The runaway process may ignore the executor's own kill; removing
	// the container is the only reliable stop.
	if err := m.driver.DestroySandbox(ctx, *sess.RuntimeNodeID, *sess.ContainerHandle); err != nil {
		m.logger.WithSessionID(sess.ID).WithError(err).Warn("Failed to destroy container of timed-out execution")
	}
}

// handleCrash classifies an abnormal termination. A clean user-space
// error (non-zero exit below the signal range) fails immediately; an
// infrastructure crash retries with exponential backoff until the
// retry budget runs out.
func (m *Manager) handleCrash(ctx context.Context, exec *store.Execution, detail string) {
	log := m.logger.WithExecutionID(exec.ID)

	if exec.Status.IsTerminal() {
		return
	}

	if exec.ExitCode != nil && *exec.ExitCode != 0 && *exec.ExitCode < signalExitFloor {
		m.finishFailed(ctx, exec, detail)
		return
	}

	if exec.RetryCount >= m.opts.MaxRetries {
		log.Warn("Execution exhausted its retry budget", zap.Int("retries", exec.RetryCount))
		m.finishFailed(ctx, exec, detail+" (retries exhausted)")
		return
	}

	exec.Status = v1.ExecutionStatusCrashed
	exec.RetryCount++
	exec.Stderr = detail
	if err := m.repo.UpdateExecution(ctx, exec); err != nil {
		log.WithError(err).Error("Failed to record execution crash")
		return
	}
	m.publish(ctx, bus.SubjectExecutionCrashed, "execution.crashed", exec, map[string]any{"detail": detail})

	delay := retryBackoffBase << exec.RetryCount
	if delay > retryBackoffMax {
		delay = retryBackoffMax
	}
	log.Info("Execution crashed, retrying", zap.Int("retry", exec.RetryCount), zap.Duration("backoff", delay))

	time.AfterFunc(delay, func() {
		retryCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.retry(retryCtx, exec.ID)
	})
}

// retry re-queues a crashed execution if its session is still viable.
func (m *Manager) retry(ctx context.Context, executionID string) {
	exec, err := m.repo.GetExecution(ctx, executionID)
	if err != nil || exec.Status != v1.ExecutionStatusCrashed {
		return
	}

	sess, err := m.repo.GetSession(ctx, exec.SessionID)
	if err != nil || sess.Status.IsTerminal() {
		m.finishFailed(ctx, exec, "session ended before the execution could be retried")
		return
	}
	if sess.Status != v1.SessionStatusRunning {
		// Container still reprovisioning; push the retry out again.
		time.AfterFunc(retryBackoffBase, func() {
			retryCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			m.retry(retryCtx, executionID)
		})
		return
	}

	exec.Status = v1.ExecutionStatusPending
	exec.Stderr = ""
	if err := m.repo.UpdateExecution(ctx, exec); err != nil {
		m.logger.WithExecutionID(executionID).WithError(err).Error("Failed to requeue crashed execution")
		return
	}
	m.dispatch(ctx, executionID)
}

func (m *Manager) finishFailed(ctx context.Context, exec *store.Execution, detail string) {
	now := time.Now().UTC()
	finished := *exec
	finished.Status = v1.ExecutionStatusFailed
	if finished.Stderr == "" {
		finished.Stderr = detail
	}
	finished.CompletedAt = &now

	applied, err := m.repo.FinishExecution(ctx, &finished)
	if err != nil {
		m.logger.WithExecutionID(exec.ID).WithError(err).Error("Failed to mark execution failed")
		return
	}
	if applied {
		m.publish(ctx, bus.SubjectExecutionFinished, "execution.finished", &finished, map[string]any{"detail": detail})
	}
}

// HandleSessionCrash crash-classifies every running execution of a
// session whose container disappeared. Wired as the session manager's
// container-lost hook.
func (m *Manager) HandleSessionCrash(ctx context.Context, sessionID string) {
	execs, err := m.repo.ListRunningExecutionsBySession(ctx, sessionID)
	if err != nil {
		m.logger.WithSessionID(sessionID).WithError(err).Error("Failed to list executions of crashed session")
		return
	}
	for _, exec := range execs {
		m.handleCrash(ctx, exec, "session container exited during execution")
	}
}

// Heartbeat records executor liveness for a running execution.
func (m *Manager) Heartbeat(ctx context.Context, executionID string) error {
	return m.repo.TouchExecutionHeartbeat(ctx, executionID, time.Now().UTC())
}

// HandleStatusUpdate processes the executor's pending -> running notice
// for executions it picked up on its own schedule.
func (m *Manager) HandleStatusUpdate(ctx context.Context, executionID string, status v1.ExecutionStatus) error {
	if status != v1.ExecutionStatusRunning {
		return errors.BadRequest("only the running status may be reported here")
	}
	exec, err := m.repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != v1.ExecutionStatusPending {
		// Already running or terminal; duplicate notice.
		return nil
	}
	now := time.Now().UTC()
	exec.Status = v1.ExecutionStatusRunning
	exec.LastHeartbeatAt = &now
	return m.repo.UpdateExecution(ctx, exec)
}

// IngestResult records the executor's terminal report. Oversized
// streams are capped inline and spilled whole to the artifact store;
// a sentinel-delimited return value is lifted out of stdout. Reports
// for already-finished executions are discarded.
func (m *Manager) IngestResult(ctx context.Context, executionID string, payload ResultPayload) error {
	log := m.logger.WithExecutionID(executionID)

	exec, err := m.repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !payload.Status.IsTerminal() {
		return errors.BadRequest("result status must be terminal")
	}

	returnValue := payload.ReturnValue
	if returnValue == nil {
		returnValue = parseSentinelResult(payload.Stdout)
	}
	stdout := stripSentinelBlock(payload.Stdout)

	artifactsOut := payload.Artifacts
	stdout, stdoutDropped := truncateOutput(stdout, m.opts.OutputCapBytes)
	if stdoutDropped > 0 {
		artifactsOut = append(artifactsOut, m.spill(ctx, executionID, "stdout", stripSentinelBlock(payload.Stdout))...)
	}
	stderr, stderrDropped := truncateOutput(payload.Stderr, m.opts.OutputCapBytes)
	if stderrDropped > 0 {
		artifactsOut = append(artifactsOut, m.spill(ctx, executionID, "stderr", payload.Stderr)...)
	}

	now := time.Now().UTC()
	finished := *exec
	finished.Status = payload.Status
	finished.Stdout = stdout
	finished.Stderr = stderr
	finished.ExitCode = payload.ExitCode
	finished.ExecutionTimeSeconds = payload.ExecutionTimeSeconds
	finished.ReturnValue = returnValue
	finished.Metrics = payload.Metrics
	finished.Artifacts = artifactsOut
	finished.CompletedAt = &now

	applied, err := m.repo.FinishExecution(ctx, &finished)
	if err != nil {
		return err
	}
	if !applied {
		log.Debug("Discarded result for an already-finished execution")
		return nil
	}

	m.publish(ctx, bus.SubjectExecutionFinished, "execution.finished", &finished, nil)
	return nil
}

// spill writes a full output stream to the artifact store and returns
// its descriptor. Spill failures only cost the overflow copy.
func (m *Manager) spill(ctx context.Context, executionID, stream, content string) []v1.ArtifactDescriptor {
	key := artifacts.LogKey(executionID, stream)
	checksum, err := m.spiller.Put(ctx, key, []byte(content), "text/plain")
	if err != nil {
		m.logger.WithExecutionID(executionID).WithError(err).Warn("Failed to spill oversized output",
			zap.String("stream", stream))
		return nil
	}
	return []v1.ArtifactDescriptor{{
		Path:      key,
		SizeBytes: int64(len(content)),
		MimeType:  "text/plain",
		Kind:      v1.ArtifactKindLog,
		Checksum:  checksum,
		CreatedAt: time.Now().UTC(),
	}}
}

// Get returns an execution by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Execution, error) {
	return m.repo.GetExecution(ctx, id)
}

// ListBySession returns a session's executions.
func (m *Manager) ListBySession(ctx context.Context, sessionID string) ([]*store.Execution, error) {
	return m.repo.ListExecutionsBySession(ctx, sessionID)
}

// RunWatchdog sweeps for running executions whose heartbeat went stale
// until ctx is cancelled. A stale execution crash-classifies, since the
// executor stopped reporting without a terminal result.
func (m *Manager) RunWatchdog(ctx context.Context) {
	interval := m.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStale(ctx)
		}
	}
}

func (m *Manager) sweepStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.opts.HeartbeatTimeout)
	stale, err := m.repo.ListStaleRunningExecutions(ctx, cutoff)
	if err != nil {
		m.logger.WithError(err).Error("Stale execution query failed")
		return
	}
	for _, exec := range stale {
		if m.executorStillAlive(ctx, exec) {
			m.logger.WithExecutionID(exec.ID).Debug("Heartbeat stale but executor answers, deferring crash")
			continue
		}
		m.logger.WithExecutionID(exec.ID).Warn("Execution heartbeat went stale")
		m.handleCrash(ctx, exec, "executor stopped sending heartbeats")
	}
}

// executorStillAlive asks the executor's health endpoint before a
// stale heartbeat is treated as a crash, so a delayed callback does not
// kill a healthy run. The reprieve is bounded: past twice the heartbeat
// timeout the execution crashes regardless of the answer.
func (m *Manager) executorStillAlive(ctx context.Context, exec *store.Execution) bool {
	if exec.LastHeartbeatAt == nil || time.Since(*exec.LastHeartbeatAt) >= 2*m.opts.HeartbeatTimeout {
		return false
	}

	sess, err := m.repo.GetSession(ctx, exec.SessionID)
	if err != nil || sess.Status != v1.SessionStatusRunning || sess.ContainerHandle == nil || sess.RuntimeNodeID == nil {
		return false
	}
	baseURL, err := m.driver.ExecutorURL(ctx, *sess.RuntimeNodeID, *sess.ContainerHandle)
	if err != nil {
		return false
	}
	return m.executor.Health(ctx, baseURL) == nil
}

func (m *Manager) publish(ctx context.Context, subject, eventType string, exec *store.Execution, extra map[string]any) {
	data := map[string]any{
		"execution_id": exec.ID,
		"session_id":   exec.SessionID,
		"status":       string(exec.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, "sandboxd", data)); err != nil {
		m.logger.WithExecutionID(exec.ID).WithError(err).Debug("Failed to publish execution event")
	}
}
