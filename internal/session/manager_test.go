package session

import (
	"context"
	"errors"
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
	"github.com/kweaver-ai/sandbox/internal/scheduler"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

type fakeDriver struct {
	mu                sync.Mutex
	createErr         error
	created           []string
	destroyed         []string
	removedWorkspaces []string
	seq               atomic.Int32
}

func (d *fakeDriver) Kind() v1.RuntimeKind { return v1.RuntimeKindDocker }

func (d *fakeDriver) CreateSandbox(_ context.Context, _ string, spec runtime.SandboxSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", d.createErr
	}
	handle := "ctr-" + spec.SessionID
	if n := d.seq.Add(1); n > 1 {
		handle = handle + "-r"
	}
	d.created = append(d.created, handle)
	return handle, nil
}

func (d *fakeDriver) DestroySandbox(_ context.Context, _ string, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, handle)
	return nil
}

func (d *fakeDriver) RemoveWorkspace(_ context.Context, _ string, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removedWorkspaces = append(d.removedWorkspaces, sessionID)
	return nil
}

func (d *fakeDriver) IsRunning(context.Context, string, string) (bool, error) { return true, nil }
func (d *fakeDriver) ExecutorURL(context.Context, string, string) (string, error) {
	return "http://127.0.0.1:8888", nil
}
func (d *fakeDriver) Logs(context.Context, string, string, int) ([]byte, error) {
	return []byte("ready\n"), nil
}
func (d *fakeDriver) ListSandboxes(context.Context, string) ([]runtime.SandboxInfo, error) {
	return nil, nil
}
func (d *fakeDriver) Ping(context.Context, string) error { return nil }
func (d *fakeDriver) Close() error                       { return nil }

func (d *fakeDriver) destroyedHandles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.destroyed...)
}

func (d *fakeDriver) removedWorkspaceIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.removedWorkspaces...)
}

type fakeCleaner struct {
	mu       sync.Mutex
	prefixes []string
}

func (f *fakeCleaner) DeleteAll(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)
	return nil
}

func defaultOptions() Options {
	return Options{
		ControlPlaneURL:       "http://control-plane:8080",
		InternalToken:         "test-token",
		CreateDeadline:        time.Minute,
		IdleTimeout:           30 * time.Minute,
		MaxLifetime:           6 * time.Hour,
		SweepInterval:         time.Minute,
		DefaultTimeoutSeconds: 300,
		MaxTimeoutSeconds:     3600,
	}
}

func newTestManager(t *testing.T, opts Options) (*Manager, *store.MemoryRepository, *fakeDriver, *fakeCleaner) {
	t.Helper()
	repo := store.NewMemoryRepository()
	driver := &fakeDriver{}
	cleaner := &fakeCleaner{}
	log := logger.NewNop()
	mgr := NewManager(repo, scheduler.New(repo, log), driver, cleaner, bus.NewMemoryEventBus(log), opts, log)
	return mgr, repo, driver, cleaner
}

func seedNode(t *testing.T, repo store.Repository) *store.RuntimeNode {
	t.Helper()
	node := &store.RuntimeNode{
		ID:          "node-A",
		Kind:        v1.RuntimeKindDocker,
		Endpoint:    "tcp://node-a:2376",
		Status:      v1.NodeStatusOnline,
		CPUTotal:    16,
		MemoryTotal: 64 * 1024 * 1024 * 1024,
		CapacityCap: 50,
	}
	require.NoError(t, repo.UpsertNode(context.Background(), node))
	return node
}

func seedTemplate(t *testing.T, repo store.Repository) *store.Template {
	t.Helper()
	template := &store.Template{
		ID:       v1.NewID(v1.TemplateIDPrefix),
		Name:     "python-default",
		ImageRef: "sandbox/python:3.12",
		DefaultResources: v1.ResourceLimits{
			CPUCores:    1,
			MemoryBytes: 512 * 1024 * 1024,
		},
	}
	require.NoError(t, repo.CreateTemplate(context.Background(), template))
	return template
}

func TestCreateProvisionsContainer(t *testing.T) {
	mgr, repo, driver, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCreating, sess.Status)
	require.NotNil(t, sess.ContainerHandle)
	require.NotNil(t, sess.RuntimeNodeID)
	assert.Equal(t, "node-A", *sess.RuntimeNodeID)
	assert.Equal(t, "sessions/"+sess.ID, sess.WorkspaceURI)
	assert.Equal(t, template.DefaultResources, sess.Resources)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	require.Len(t, driver.created, 1)
}

func TestCreateUnknownTemplate(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)

	_, err := mgr.Create(context.Background(), CreateRequest{TemplateID: "tmpl_missing"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))
}

func TestCreateFailsWithoutCapacity(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	template := seedTemplate(t, repo)
	ctx := context.Background()

	// No nodes registered at all.
	_, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNoCapacity))
}

func TestCreateDriverFailureMarksSessionFailed(t *testing.T) {
	mgr, repo, driver, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	driver.createErr = errors.New("image pull failed")
	ctx := context.Background()

	_, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.Error(t, err)

	sessions, err := repo.ListSessionsByStatus(ctx, v1.SessionStatusFailed)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Contains(t, sessions[0].FailureReason, "image pull failed")
}

func TestCreateWithDependenciesStartsInstalling(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)

	sess, err := mgr.Create(context.Background(), CreateRequest{
		TemplateID:   template.ID,
		Dependencies: []string{"numpy", "pandas"},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.DependencyStatusInstalling, sess.DependencyStatus)
}

func TestContainerReadyTransitionsToRunning(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)

	require.NoError(t, mgr.HandleContainerReady(ctx, sess.ID))

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusRunning, current.Status)
}

func TestContainerReadyOnTerminalSessionConflicts(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)
	require.NoError(t, mgr.HandleContainerReady(ctx, sess.ID))
	require.NoError(t, mgr.Terminate(ctx, sess.ID))

	err = mgr.HandleContainerReady(ctx, sess.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestTerminateDestroysContainerAndCleansWorkspace(t *testing.T) {
	mgr, repo, driver, cleaner := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)
	require.NoError(t, mgr.HandleContainerReady(ctx, sess.ID))
	require.NoError(t, mgr.Terminate(ctx, sess.ID))

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusTerminated, current.Status)
	assert.Nil(t, current.ContainerHandle)
	require.NotNil(t, current.CompletedAt)

	require.Len(t, driver.destroyedHandles(), 1)

	deadline := time.Now().Add(time.Second)
	for {
		cleaner.mu.Lock()
		n := len(cleaner.prefixes)
		cleaner.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("workspace cleanup was not triggered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, "sessions/"+sess.ID+"/", cleaner.prefixes[0])
}

func TestConcurrentTerminateOneWinner(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)
	require.NoError(t, mgr.HandleContainerReady(ctx, sess.ID))

	const n = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := mgr.Terminate(ctx, sess.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case apperrors.IsConflict(err):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected terminate error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), conflicts.Load())
}

func TestDependencyFailureFailsSession(t *testing.T) {
	mgr, repo, driver, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{
		TemplateID:   template.ID,
		Dependencies: []string{"no-such-package"},
	})
	require.NoError(t, err)
	require.NoError(t, mgr.HandleContainerReady(ctx, sess.ID))

	require.NoError(t, mgr.HandleDependencyResult(ctx, sess.ID, false, nil, "pip returned exit status 1"))

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusFailed, current.Status)
	assert.Equal(t, v1.DependencyStatusFailed, current.DependencyStatus)
	assert.Contains(t, current.FailureReason, "pip returned exit status 1")
	assert.Len(t, driver.destroyedHandles(), 1)
}

func TestDependencySuccessRecordsInstalled(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{
		TemplateID:   template.ID,
		Dependencies: []string{"numpy"},
	})
	require.NoError(t, err)

	require.NoError(t, mgr.HandleDependencyResult(ctx, sess.ID, true, []string{"numpy==2.1.0"}, ""))

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.DependencyStatusReady, current.DependencyStatus)
	assert.Equal(t, []string{"numpy==2.1.0"}, current.InstalledDependencies)
}

func TestContainerExitedDuringCreationFailsSession(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)

	require.NoError(t, mgr.HandleContainerExited(ctx, sess.ID, "exit code 137"))

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusFailed, current.Status)
}

func TestRecoverReprovisionsRunningSession(t *testing.T) {
	mgr, repo, driver, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	var lost []string
	mgr.SetContainerLostHandler(func(_ context.Context, sessionID string) {
		lost = append(lost, sessionID)
	})

	sess, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)
	require.NoError(t, mgr.HandleContainerReady(ctx, sess.ID))
	firstHandle := *sess.ContainerHandle

	require.NoError(t, mgr.HandleContainerExited(ctx, sess.ID, "oom killed"))

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCreating, current.Status)
	require.NotNil(t, current.ContainerHandle)
	assert.NotEqual(t, firstHandle, *current.ContainerHandle)
	assert.Equal(t, sess.WorkspaceURI, current.WorkspaceURI)
	assert.Equal(t, []string{sess.ID}, lost)
	assert.Contains(t, driver.destroyedHandles(), firstHandle)
}

func TestRecoverKeepsWorkspaceVolume(t *testing.T) {
	mgr, repo, driver, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)
	require.NoError(t, mgr.HandleContainerReady(ctx, sess.ID))

	require.NoError(t, mgr.HandleContainerExited(ctx, sess.ID, "oom killed"))

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCreating, current.Status)
	// The old container is gone but the workspace volume must not be.
	assert.Len(t, driver.destroyedHandles(), 1)
	assert.Empty(t, driver.removedWorkspaceIDs())
}

func TestTerminateRemovesWorkspaceVolume(t *testing.T) {
	mgr, repo, driver, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)
	require.NoError(t, mgr.HandleContainerReady(ctx, sess.ID))
	require.NoError(t, mgr.Terminate(ctx, sess.ID))

	assert.Equal(t, []string{sess.ID}, driver.removedWorkspaceIDs())
}

func TestLogsRequireContainer(t *testing.T) {
	mgr, repo, _, _ := newTestManager(t, defaultOptions())
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)

	out, err := mgr.Logs(ctx, sess.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, []byte("ready\n"), out)

	require.NoError(t, mgr.Terminate(ctx, sess.ID))
	_, err = mgr.Logs(ctx, sess.ID, 50)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestSweepTerminatesIdleSessions(t *testing.T) {
	opts := defaultOptions()
	opts.IdleTimeout = 10 * time.Minute
	mgr, repo, _, _ := newTestManager(t, opts)
	seedNode(t, repo)
	template := seedTemplate(t, repo)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)
	require.NoError(t, mgr.HandleContainerReady(ctx, sess.ID))

	stale, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	stale.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, repo.UpdateSession(ctx, stale))

	mgr.sweepOnce(ctx)

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusTerminated, current.Status)
	assert.Equal(t, "idle timeout", current.FailureReason)
}

func TestResolveTimeoutDefaultsAndClamps(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, defaultOptions())

	resolved, err := mgr.resolveTimeout(nil)
	require.NoError(t, err)
	assert.Equal(t, 300, resolved)

	over := 100000
	resolved, err = mgr.resolveTimeout(&over)
	require.NoError(t, err)
	assert.Equal(t, 3600, resolved)

	bad := -5
	_, err = mgr.resolveTimeout(&bad)
	require.Error(t, err)
}
