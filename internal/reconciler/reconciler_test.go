package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/events/bus"
	"github.com/kweaver-ai/sandbox/internal/runtime"
	"github.com/kweaver-ai/sandbox/internal/scheduler"
	"github.com/kweaver-ai/sandbox/internal/session"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// fakeDriver treats handles present in the live set as running.
type fakeDriver struct {
	mu      sync.Mutex
	live    map[string]bool
	created int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{live: make(map[string]bool)}
}

func (d *fakeDriver) Kind() v1.RuntimeKind { return v1.RuntimeKindDocker }

func (d *fakeDriver) CreateSandbox(_ context.Context, _ string, spec runtime.SandboxSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created++
	handle := "ctr-" + spec.SessionID + "-" + string(rune('a'+d.created))
	d.live[handle] = true
	return handle, nil
}

func (d *fakeDriver) DestroySandbox(_ context.Context, _ string, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, handle)
	return nil
}

func (d *fakeDriver) IsRunning(_ context.Context, _ string, handle string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[handle], nil
}

func (d *fakeDriver) RemoveWorkspace(context.Context, string, string) error { return nil }

func (d *fakeDriver) ExecutorURL(context.Context, string, string) (string, error) {
	return "http://127.0.0.1:8888", nil
}
func (d *fakeDriver) Logs(context.Context, string, string, int) ([]byte, error) {
	return nil, nil
}
func (d *fakeDriver) ListSandboxes(context.Context, string) ([]runtime.SandboxInfo, error) {
	return nil, nil
}
func (d *fakeDriver) Ping(context.Context, string) error { return nil }
func (d *fakeDriver) Close() error                       { return nil }

func (d *fakeDriver) kill(handle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, handle)
}

type noopCleaner struct{}

func (noopCleaner) DeleteAll(context.Context, string) error { return nil }

func newFixture(t *testing.T) (*Reconciler, *session.Manager, *store.MemoryRepository, *fakeDriver) {
	t.Helper()
	repo := store.NewMemoryRepository()
	driver := newFakeDriver()
	log := logger.NewNop()

	sessions := session.NewManager(repo, scheduler.New(repo, log), driver, noopCleaner{}, bus.NewMemoryEventBus(log), session.Options{
		CreateDeadline:        time.Minute,
		DefaultTimeoutSeconds: 300,
		MaxTimeoutSeconds:     3600,
	}, log)

	rec := New(repo, driver, sessions, 30*time.Second, time.Minute, log)
	return rec, sessions, repo, driver
}

func seedFixtureNode(t *testing.T, repo store.Repository) {
	t.Helper()
	require.NoError(t, repo.UpsertNode(context.Background(), &store.RuntimeNode{
		ID:          "node-A",
		Kind:        v1.RuntimeKindDocker,
		Endpoint:    "tcp://node-a:2376",
		Status:      v1.NodeStatusOnline,
		CPUTotal:    16,
		MemoryTotal: 64 * 1024 * 1024 * 1024,
		CapacityCap: 50,
	}))
}

func seedFixtureTemplate(t *testing.T, repo store.Repository) *store.Template {
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

func TestSweepLeavesHealthySessionsAlone(t *testing.T) {
	rec, sessions, repo, _ := newFixture(t)
	seedFixtureNode(t, repo)
	template := seedFixtureTemplate(t, repo)
	ctx := context.Background()

	sess, err := sessions.Create(ctx, session.CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)
	require.NoError(t, sessions.HandleContainerReady(ctx, sess.ID))
	handle := *sess.ContainerHandle

	rec.SweepAll(ctx)

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusRunning, current.Status)
	assert.Equal(t, handle, *current.ContainerHandle)
}

func TestSweepRecoversSessionWithDeadContainer(t *testing.T) {
	rec, sessions, repo, driver := newFixture(t)
	seedFixtureNode(t, repo)
	template := seedFixtureTemplate(t, repo)
	ctx := context.Background()

	sess, err := sessions.Create(ctx, session.CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)
	require.NoError(t, sessions.HandleContainerReady(ctx, sess.ID))
	oldHandle := *sess.ContainerHandle

	driver.kill(oldHandle)
	rec.SweepAll(ctx)

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCreating, current.Status)
	require.NotNil(t, current.ContainerHandle)
	assert.NotEqual(t, oldHandle, *current.ContainerHandle)
	assert.Equal(t, sess.WorkspaceURI, current.WorkspaceURI)
}

func TestSweepFailsSessionStuckInCreation(t *testing.T) {
	rec, _, repo, _ := newFixture(t)
	seedFixtureNode(t, repo)
	template := seedFixtureTemplate(t, repo)
	ctx := context.Background()

	// Simulate a row left behind by a control-plane restart: creating,
	// no container, last touched long ago.
	sess := &store.Session{
		ID:             v1.NewID(v1.SessionIDPrefix),
		TemplateID:     template.ID,
		Status:         v1.SessionStatusCreating,
		RuntimeKind:    v1.RuntimeKindDocker,
		Resources:      template.DefaultResources,
		TimeoutSeconds: 300,
	}
	sess.WorkspaceURI = "sessions/" + sess.ID
	require.NoError(t, repo.CreateSession(ctx, sess))
	require.NoError(t, repo.SetSessionUpdatedAt(ctx, sess.ID, time.Now().UTC().Add(-time.Hour)))

	rec.SweepAll(ctx)

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusFailed, current.Status)
}

func TestSweepSkipsFreshCreatingSession(t *testing.T) {
	rec, _, repo, _ := newFixture(t)
	seedFixtureNode(t, repo)
	template := seedFixtureTemplate(t, repo)
	ctx := context.Background()

	sess := &store.Session{
		ID:             v1.NewID(v1.SessionIDPrefix),
		TemplateID:     template.ID,
		Status:         v1.SessionStatusCreating,
		RuntimeKind:    v1.RuntimeKindDocker,
		Resources:      template.DefaultResources,
		TimeoutSeconds: 300,
	}
	sess.WorkspaceURI = "sessions/" + sess.ID
	require.NoError(t, repo.CreateSession(ctx, sess))

	rec.SweepAll(ctx)

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCreating, current.Status)
}

func TestReconcileNodeRelocatesSessions(t *testing.T) {
	rec, sessions, repo, driver := newFixture(t)
	seedFixtureNode(t, repo)
	template := seedFixtureTemplate(t, repo)
	ctx := context.Background()

	sess, err := sessions.Create(ctx, session.CreateRequest{TemplateID: template.ID})
	require.NoError(t, err)
	require.NoError(t, sessions.HandleContainerReady(ctx, sess.ID))
	oldHandle := *sess.ContainerHandle
	driver.kill(oldHandle)

	rec.ReconcileNode(ctx, "node-A")

	current, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCreating, current.Status)
	require.NotNil(t, current.ContainerHandle)
	assert.NotEqual(t, oldHandle, *current.ContainerHandle)
}
