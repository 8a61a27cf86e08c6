package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/events/bus"
	"github.com/kweaver-ai/sandbox/internal/runtime"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

type fakeExecutor struct {
	mu        sync.Mutex
	calls     atomic.Int32
	err       error
	healthErr error
	payloads  []ExecutePayload
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, payload ExecutePayload) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()
	return f.err
}

func (f *fakeExecutor) Health(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

type fakeDriver struct{}

func (fakeDriver) Kind() v1.RuntimeKind { return v1.RuntimeKindDocker }
func (fakeDriver) CreateSandbox(context.Context, string, runtime.SandboxSpec) (string, error) {
	return "ctr-test", nil
}
func (fakeDriver) DestroySandbox(context.Context, string, string) error  { return nil }
func (fakeDriver) RemoveWorkspace(context.Context, string, string) error { return nil }
func (fakeDriver) IsRunning(context.Context, string, string) (bool, error) {
	return true, nil
}
func (fakeDriver) ExecutorURL(context.Context, string, string) (string, error) {
	return "http://127.0.0.1:8888", nil
}
func (fakeDriver) Logs(context.Context, string, string, int) ([]byte, error) {
	return nil, nil
}
func (fakeDriver) ListSandboxes(context.Context, string) ([]runtime.SandboxInfo, error) {
	return nil, nil
}
func (fakeDriver) Ping(context.Context, string) error { return nil }
func (fakeDriver) Close() error                       { return nil }

type fakeSpiller struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeSpiller) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return "deadbeef", nil
}

func defaultOptions() Options {
	return Options{
		DefaultTimeoutSeconds: 300,
		MaxTimeoutSeconds:     3600,
		HeartbeatTimeout:      15 * time.Second,
		HeartbeatInterval:     5 * time.Second,
		Grace:                 30 * time.Second,
		MaxRetries:            3,
		OutputCapBytes:        256 * 1024,
	}
}

func newTestManager(t *testing.T, opts Options) (*Manager, *store.MemoryRepository, *fakeExecutor, *fakeSpiller) {
	t.Helper()
	repo := store.NewMemoryRepository()
	executor := &fakeExecutor{}
	spiller := &fakeSpiller{}
	log := logger.NewNop()
	mgr := NewManager(repo, fakeDriver{}, executor, spiller, bus.NewMemoryEventBus(log), opts, log)
	return mgr, repo, executor, spiller
}

func seedRunningSession(t *testing.T, repo store.Repository) *store.Session {
	t.Helper()
	ctx := context.Background()

	template := &store.Template{
		ID:       v1.NewID(v1.TemplateIDPrefix),
		Name:     "python-default",
		ImageRef: "sandbox/python:3.12",
		DefaultResources: v1.ResourceLimits{
			CPUCores:    1,
			MemoryBytes: 512 * 1024 * 1024,
		},
	}
	require.NoError(t, repo.CreateTemplate(ctx, template))

	node := "node-A"
	handle := "ctr-test"
	sess := &store.Session{
		ID:               v1.NewID(v1.SessionIDPrefix),
		TemplateID:       template.ID,
		Status:           v1.SessionStatusRunning,
		RuntimeKind:      v1.RuntimeKindDocker,
		RuntimeNodeID:    &node,
		ContainerHandle:  &handle,
		Resources:        template.DefaultResources,
		TimeoutSeconds:   300,
		DependencyStatus: v1.DependencyStatusNone,
	}
	sess.WorkspaceURI = "sessions/" + sess.ID
	require.NoError(t, repo.CreateSession(ctx, sess))
	return sess
}

func seedExecution(t *testing.T, repo store.Repository, sessionID string, status v1.ExecutionStatus) *store.Execution {
	t.Helper()
	exec := &store.Execution{
		ID:             v1.NewID(v1.ExecutionIDPrefix),
		SessionID:      sessionID,
		Code:           "print('hi')",
		Language:       "python",
		Status:         status,
		TimeoutSeconds: 300,
	}
	require.NoError(t, repo.CreateExecution(context.Background(), exec))
	return exec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSubmitDispatchesToExecutor(t *testing.T) {
	mgr, repo, executor, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	ctx := context.Background()

	exec, err := mgr.Submit(ctx, SubmitRequest{
		SessionID: sess.ID,
		Code:      "def handler(event):\n    return 1",
	})
	require.NoError(t, err)
	assert.Equal(t, "python", exec.Language)
	assert.Equal(t, 300, exec.TimeoutSeconds)

	waitFor(t, func() bool {
		current, err := repo.GetExecution(ctx, exec.ID)
		return err == nil && current.Status == v1.ExecutionStatusRunning
	})
	assert.Equal(t, int32(1), executor.calls.Load())

	executor.mu.Lock()
	defer executor.mu.Unlock()
	require.Len(t, executor.payloads, 1)
	assert.Equal(t, exec.ID, executor.payloads[0].ExecutionID)
}

func TestSubmitRejectsNonRunningSession(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	ctx := context.Background()

	sess.Status = v1.SessionStatusTerminated
	require.NoError(t, repo.UpdateSession(ctx, sess))

	_, err := mgr.Submit(ctx, SubmitRequest{SessionID: sess.ID, Code: "pass"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestSubmitRejectsUnsupportedLanguage(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)

	_, err := mgr.Submit(context.Background(), SubmitRequest{
		SessionID: sess.ID,
		Code:      "puts 'hi'",
		Language:  "ruby",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))
}

func TestSubmitRejectsWhileDependenciesInstall(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	ctx := context.Background()

	sess.DependencyStatus = v1.DependencyStatusInstalling
	require.NoError(t, repo.UpdateSession(ctx, sess))

	_, err := mgr.Submit(ctx, SubmitRequest{SessionID: sess.ID, Code: "pass"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestSubmitClampsTimeout(t *testing.T) {
	opts := defaultOptions()
	opts.MaxTimeoutSeconds = 600
	mgr, repo, _, _ := newTestManager(t, opts)
	sess := seedRunningSession(t, repo)

	requested := 7200
	exec, err := mgr.Submit(context.Background(), SubmitRequest{
		SessionID:      sess.ID,
		Code:           "pass",
		TimeoutSeconds: &requested,
	})
	require.NoError(t, err)
	assert.Equal(t, 600, exec.TimeoutSeconds)
}

func TestSubmitStrictTimeoutRejectsOversized(t *testing.T) {
	opts := defaultOptions()
	opts.MaxTimeoutSeconds = 600
	opts.StrictTimeouts = true
	mgr, repo, _, _ := newTestManager(t, opts)
	sess := seedRunningSession(t, repo)

	requested := 7200
	_, err := mgr.Submit(context.Background(), SubmitRequest{
		SessionID:      sess.ID,
		Code:           "pass",
		TimeoutSeconds: &requested,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))
}

func TestIngestResultRecordsOutcome(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)
	ctx := context.Background()

	zero := 0
	err := mgr.IngestResult(ctx, exec.ID, ResultPayload{
		Status:               v1.ExecutionStatusCompleted,
		Stdout:               "done\n",
		ExitCode:             &zero,
		ExecutionTimeSeconds: 1.5,
	})
	require.NoError(t, err)

	stored, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, "done\n", stored.Stdout)
	require.NotNil(t, stored.CompletedAt)
}

func TestIngestResultIsIdempotent(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)
	ctx := context.Background()

	zero := 0
	require.NoError(t, mgr.IngestResult(ctx, exec.ID, ResultPayload{
		Status:   v1.ExecutionStatusCompleted,
		Stdout:   "first",
		ExitCode: &zero,
	}))

	// A duplicate delivery with a different outcome is discarded.
	one := 1
	require.NoError(t, mgr.IngestResult(ctx, exec.ID, ResultPayload{
		Status:   v1.ExecutionStatusFailed,
		Stdout:   "second",
		ExitCode: &one,
	}))

	stored, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, "first", stored.Stdout)
}

func TestIngestResultRejectsNonTerminalStatus(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)

	err := mgr.IngestResult(context.Background(), exec.ID, ResultPayload{
		Status: v1.ExecutionStatusRunning,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeBadRequest))
}

func TestIngestResultExtractsSentinelReturnValue(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)
	ctx := context.Background()

	zero := 0
	stdout := "working...\n===SANDBOX_RESULT===\n{\"total\": 7}\n===SANDBOX_RESULT_END===\n"
	require.NoError(t, mgr.IngestResult(ctx, exec.ID, ResultPayload{
		Status:   v1.ExecutionStatusCompleted,
		Stdout:   stdout,
		ExitCode: &zero,
	}))

	stored, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total": 7}`, string(stored.ReturnValue))
	assert.NotContains(t, stored.Stdout, "SANDBOX_RESULT")
	assert.Contains(t, stored.Stdout, "working...")
}

func TestIngestResultSpillsOversizedOutput(t *testing.T) {
	opts := defaultOptions()
	opts.OutputCapBytes = 64
	mgr, repo, _, spiller := newTestManager(t, opts)
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)
	ctx := context.Background()

	zero := 0
	require.NoError(t, mgr.IngestResult(ctx, exec.ID, ResultPayload{
		Status:   v1.ExecutionStatusCompleted,
		Stdout:   strings.Repeat("a", 200),
		ExitCode: &zero,
	}))

	stored, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Stdout, "TRUNCATED 136 bytes")

	spiller.mu.Lock()
	defer spiller.mu.Unlock()
	require.Len(t, spiller.keys, 1)
	assert.Equal(t, "logs/"+exec.ID+"/stdout", spiller.keys[0])

	require.Len(t, stored.Artifacts, 1)
	assert.Equal(t, v1.ArtifactKindLog, stored.Artifacts[0].Kind)
	assert.Equal(t, int64(200), stored.Artifacts[0].SizeBytes)
}

func TestHandleCrashUserCodeErrorSkipsRetry(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)
	ctx := context.Background()

	one := 1
	exec.ExitCode = &one
	require.NoError(t, repo.UpdateExecution(ctx, exec))

	mgr.handleCrash(ctx, exec, "process exited with status 1")

	stored, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusFailed, stored.Status)
	assert.Zero(t, stored.RetryCount)
}

func TestHandleCrashMarksForRetry(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)
	ctx := context.Background()

	mgr.handleCrash(ctx, exec, "executor connection refused")

	stored, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusCrashed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestHandleCrashExhaustedBudgetFails(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)
	ctx := context.Background()

	exec.RetryCount = 3
	require.NoError(t, repo.UpdateExecution(ctx, exec))

	mgr.handleCrash(ctx, exec, "executor connection refused")

	stored, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
}

func TestHandleSessionCrashClassifiesRunningExecutions(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	running := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)
	finished := seedExecution(t, repo, sess.ID, v1.ExecutionStatusCompleted)
	ctx := context.Background()

	mgr.HandleSessionCrash(ctx, sess.ID)

	stored, err := repo.GetExecution(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusCrashed, stored.Status)

	untouched, err := repo.GetExecution(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusCompleted, untouched.Status)
}

func TestHandleStatusUpdateIgnoresDuplicate(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusPending)
	ctx := context.Background()

	require.NoError(t, mgr.HandleStatusUpdate(ctx, exec.ID, v1.ExecutionStatusRunning))
	require.NoError(t, mgr.HandleStatusUpdate(ctx, exec.ID, v1.ExecutionStatusRunning))

	stored, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusRunning, stored.Status)
	require.NotNil(t, stored.LastHeartbeatAt)
}

func TestSweepStaleSparesReachableExecutor(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)
	ctx := context.Background()

	// Past the heartbeat timeout (15s) but inside the bounded reprieve
	// (30s); the executor still answers its health endpoint.
	stale := time.Now().UTC().Add(-20 * time.Second)
	exec.LastHeartbeatAt = &stale
	require.NoError(t, repo.UpdateExecution(ctx, exec))

	mgr.sweepStale(ctx)

	stored, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusRunning, stored.Status)
	assert.Zero(t, stored.RetryCount)
}

func TestSweepStaleCrashesWhenExecutorUnreachable(t *testing.T) {
	mgr, repo, executor, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)
	ctx := context.Background()

	executor.mu.Lock()
	executor.healthErr = errors.New("connection refused")
	executor.mu.Unlock()

	stale := time.Now().UTC().Add(-20 * time.Second)
	exec.LastHeartbeatAt = &stale
	require.NoError(t, repo.UpdateExecution(ctx, exec))

	mgr.sweepStale(ctx)

	stored, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusCrashed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestSweepStaleCrashesQuietExecutions(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	sess := seedRunningSession(t, repo)
	exec := seedExecution(t, repo, sess.ID, v1.ExecutionStatusRunning)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Minute)
	exec.LastHeartbeatAt = &stale
	require.NoError(t, repo.UpdateExecution(ctx, exec))

	mgr.sweepStale(ctx)

	stored, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusCrashed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}
