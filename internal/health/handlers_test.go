package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/store"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(context.Context) error { return p.err }

func newHealthRouter(t *testing.T, repo store.Repository, artifacts Pinger) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandlers(repo, artifacts, logger.NewNop()).RegisterRoutes(router)
	return router
}

type healthResponse struct {
	Healthy bool `json:"healthy"`
	Checks  map[string]struct {
		Healthy bool   `json:"healthy"`
		Detail  string `json:"detail"`
	} `json:"checks"`
}

func TestAggregateHealthAllChecksPass(t *testing.T) {
	repo := store.NewMemoryRepository()
	seedOnlineNode(t, repo, "node-A")
	router := newHealthRouter(t, repo, &fakePinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Healthy)
	assert.True(t, resp.Checks["database"].Healthy)
	assert.True(t, resp.Checks["artifact_store"].Healthy)
	assert.True(t, resp.Checks["runtime_nodes"].Healthy)
}

func TestAggregateHealthNoOnlineNodes(t *testing.T) {
	repo := store.NewMemoryRepository()
	router := newHealthRouter(t, repo, &fakePinger{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Healthy)
	assert.True(t, resp.Checks["database"].Healthy)
	assert.False(t, resp.Checks["runtime_nodes"].Healthy)
	assert.Equal(t, "no online runtime nodes", resp.Checks["runtime_nodes"].Detail)
}

func TestAggregateHealthArtifactStoreDown(t *testing.T) {
	repo := store.NewMemoryRepository()
	seedOnlineNode(t, repo, "node-A")
	router := newHealthRouter(t, repo, &fakePinger{err: errors.New("connection refused")})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Healthy)
	assert.False(t, resp.Checks["artifact_store"].Healthy)
	assert.True(t, resp.Checks["runtime_nodes"].Healthy)
}
