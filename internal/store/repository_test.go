package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

func newTestRepo(t *testing.T) *MemoryRepository {
	t.Helper()
	return NewMemoryRepository()
}

func seedTemplate(t *testing.T, repo Repository) *Template {
	t.Helper()
	tmpl := &Template{
		ID:       "tmpl_test",
		Name:     "python-3.12",
		ImageRef: "registry.example.com/sandbox/python:3.12",
		DefaultResources: v1.ResourceLimits{
			CPUCores:    1,
			MemoryBytes: 512 * 1024 * 1024,
			DiskBytes:   1024 * 1024 * 1024,
		},
	}
	require.NoError(t, repo.CreateTemplate(context.Background(), tmpl))
	return tmpl
}

func seedSession(t *testing.T, repo Repository, id string, status v1.SessionStatus) *Session {
	t.Helper()
	sess := &Session{
		ID:             id,
		TemplateID:     "tmpl_test",
		Status:         status,
		RuntimeKind:    v1.RuntimeKindDocker,
		WorkspaceURI:   "sessions/" + id,
		TimeoutSeconds: 300,
	}
	require.NoError(t, repo.CreateSession(context.Background(), sess))
	return sess
}

func TestUpdateSessionVersionConflict(t *testing.T) {
	repo := newTestRepo(t)
	seedTemplate(t, repo)
	seedSession(t, repo, "sess_a", v1.SessionStatusCreating)
	ctx := context.Background()

	first, err := repo.GetSession(ctx, "sess_a")
	require.NoError(t, err)
	second, err := repo.GetSession(ctx, "sess_a")
	require.NoError(t, err)

	first.Status = v1.SessionStatusRunning
	require.NoError(t, repo.UpdateSession(ctx, first))

	second.Status = v1.SessionStatusTerminated
	err = repo.UpdateSession(ctx, second)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	got, err := repo.GetSession(ctx, "sess_a")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusRunning, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestCreateExecutionTouchesSessionActivity(t *testing.T) {
	repo := newTestRepo(t)
	seedTemplate(t, repo)
	sess := seedSession(t, repo, "sess_b", v1.SessionStatusRunning)
	ctx := context.Background()

	before, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	exec := &Execution{
		ID:             "exec_1",
		SessionID:      sess.ID,
		Code:           "print('hi')",
		Language:       "python",
		TimeoutSeconds: 300,
	}
	require.NoError(t, repo.CreateExecution(ctx, exec))
	assert.Equal(t, v1.ExecutionStatusPending, exec.Status)

	after, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}

func TestFinishExecutionIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	seedTemplate(t, repo)
	seedSession(t, repo, "sess_c", v1.SessionStatusRunning)
	ctx := context.Background()

	exec := &Execution{
		ID:             "exec_2",
		SessionID:      "sess_c",
		Code:           "1+1",
		Language:       "python",
		Status:         v1.ExecutionStatusRunning,
		TimeoutSeconds: 300,
	}
	require.NoError(t, repo.CreateExecution(ctx, exec))

	done := *exec
	done.Status = v1.ExecutionStatusCompleted
	done.Stdout = "2"
	exitCode := 0
	done.ExitCode = &exitCode

	applied, err := repo.FinishExecution(ctx, &done)
	require.NoError(t, err)
	assert.True(t, applied)

	// A second terminal write must not overwrite the first result.
	late := *exec
	late.Status = v1.ExecutionStatusTimeout
	late.Stderr = "deadline exceeded"
	applied, err = repo.FinishExecution(ctx, &late)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, "2", got.Stdout)
	require.NotNil(t, got.CompletedAt)
}

func TestFinishExecutionRejectsNonTerminalStatus(t *testing.T) {
	repo := newTestRepo(t)
	seedTemplate(t, repo)
	seedSession(t, repo, "sess_d", v1.SessionStatusRunning)
	ctx := context.Background()

	exec := &Execution{ID: "exec_3", SessionID: "sess_d", Status: v1.ExecutionStatusRunning, TimeoutSeconds: 60}
	require.NoError(t, repo.CreateExecution(ctx, exec))

	exec.Status = v1.ExecutionStatusRunning
	_, err := repo.FinishExecution(ctx, exec)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestListStaleRunningExecutions(t *testing.T) {
	repo := newTestRepo(t)
	seedTemplate(t, repo)
	seedSession(t, repo, "sess_e", v1.SessionStatusRunning)
	ctx := context.Background()

	fresh := &Execution{ID: "exec_fresh", SessionID: "sess_e", Status: v1.ExecutionStatusRunning, TimeoutSeconds: 60}
	stale := &Execution{ID: "exec_stale", SessionID: "sess_e", Status: v1.ExecutionStatusRunning, TimeoutSeconds: 60}
	silent := &Execution{ID: "exec_silent", SessionID: "sess_e", Status: v1.ExecutionStatusRunning, TimeoutSeconds: 60}
	for _, e := range []*Execution{fresh, stale, silent} {
		require.NoError(t, repo.CreateExecution(ctx, e))
	}

	now := time.Now().UTC()
	require.NoError(t, repo.TouchExecutionHeartbeat(ctx, fresh.ID, now))
	require.NoError(t, repo.TouchExecutionHeartbeat(ctx, stale.ID, now.Add(-time.Minute)))

	got, err := repo.ListStaleRunningExecutions(ctx, now.Add(-15*time.Second))
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"exec_stale", "exec_silent"}, ids)
}

func TestTouchExecutionHeartbeatIgnoresTerminal(t *testing.T) {
	repo := newTestRepo(t)
	seedTemplate(t, repo)
	seedSession(t, repo, "sess_f", v1.SessionStatusRunning)
	ctx := context.Background()

	exec := &Execution{ID: "exec_4", SessionID: "sess_f", Status: v1.ExecutionStatusRunning, TimeoutSeconds: 60}
	require.NoError(t, repo.CreateExecution(ctx, exec))

	exec.Status = v1.ExecutionStatusCompleted
	_, err := repo.FinishExecution(ctx, exec)
	require.NoError(t, err)

	require.NoError(t, repo.TouchExecutionHeartbeat(ctx, exec.ID, time.Now()))
	got, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastHeartbeatAt)
}

func TestDeleteTemplateWithActiveSessions(t *testing.T) {
	repo := newTestRepo(t)
	tmpl := seedTemplate(t, repo)
	seedSession(t, repo, "sess_g", v1.SessionStatusRunning)
	ctx := context.Background()

	err := repo.DeleteTemplate(ctx, tmpl.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	// Terminal sessions no longer block deletion.
	sess, err := repo.GetSession(ctx, "sess_g")
	require.NoError(t, err)
	sess.Status = v1.SessionStatusTerminated
	require.NoError(t, repo.UpdateSession(ctx, sess))

	require.NoError(t, repo.DeleteTemplate(ctx, tmpl.ID))
}

func TestListSessionsPagination(t *testing.T) {
	repo := newTestRepo(t)
	seedTemplate(t, repo)
	ctx := context.Background()
	for _, id := range []string{"sess_1", "sess_2", "sess_3"} {
		seedSession(t, repo, id, v1.SessionStatusRunning)
	}

	page, next, err := repo.ListSessions(ctx, ListSessionsOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "sess_2", next)

	page, next, err = repo.ListSessions(ctx, ListSessionsOptions{Limit: 2, Cursor: next})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "sess_3", page[0].ID)
	assert.Empty(t, next)
}

func TestNodeResidualCapacity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	node := &RuntimeNode{
		ID:          "node_a",
		Kind:        v1.RuntimeKindDocker,
		Endpoint:    "tcp://10.0.0.1:2376",
		Status:      v1.NodeStatusOnline,
		CPUTotal:    8,
		CPUUsed:     2,
		MemoryTotal: 16 * 1024 * 1024 * 1024,
		MemoryUsed:  4 * 1024 * 1024 * 1024,
		CapacityCap: 40,
	}
	require.NoError(t, repo.UpsertNode(ctx, node))

	got, err := repo.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, got.ResidualCPU(), 1e-9)
	assert.Equal(t, int64(12*1024*1024*1024), got.ResidualMemory())
}
