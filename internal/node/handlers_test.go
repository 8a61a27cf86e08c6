package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.MemoryRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := store.NewMemoryRepository()
	router := gin.New()
	NewHandlers(repo, logger.NewNop()).RegisterRoutes(router.Group("/api/v1"))
	return router, repo
}

func seedNode(t *testing.T, repo store.Repository, id string, status v1.NodeStatus) {
	t.Helper()
	require.NoError(t, repo.UpsertNode(context.Background(), &store.RuntimeNode{
		ID:          id,
		Kind:        v1.RuntimeKindDocker,
		Endpoint:    "tcp://" + id + ":2376",
		Status:      status,
		CPUTotal:    16,
		MemoryTotal: 64 * 1024 * 1024 * 1024,
		CapacityCap: 50,
	}))
}

func TestListNodes(t *testing.T) {
	router, repo := newTestRouter(t)
	seedNode(t, repo, "node-A", v1.NodeStatusOnline)
	seedNode(t, repo, "node-B", v1.NodeStatusOffline)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runtimes", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Items []NodeDTO `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Items, 2)
}

func TestNodeMetrics(t *testing.T) {
	router, repo := newTestRouter(t)
	seedNode(t, repo, "node-A", v1.NodeStatusOnline)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runtimes/node-A/metrics", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(16), body["cpu_total"])
	assert.Equal(t, float64(50), body["capacity_cap"])
}

func TestNodeHealthNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runtimes/nope/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDrainNode(t *testing.T) {
	router, repo := newTestRouter(t)
	seedNode(t, repo, "node-A", v1.NodeStatusOnline)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runtimes/node-A/drain", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	node, err := repo.GetNode(context.Background(), "node-A")
	require.NoError(t, err)
	assert.Equal(t, v1.NodeStatusDraining, node.Status)

	// Draining again is a no-op, not an error.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/runtimes/node-A/drain", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDrainOfflineNodeConflicts(t *testing.T) {
	router, repo := newTestRouter(t)
	seedNode(t, repo, "node-A", v1.NodeStatusOffline)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runtimes/node-A/drain", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}
