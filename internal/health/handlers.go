package health

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// Pinger is any backend that answers a readiness ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers serves the aggregate readiness endpoint.
type Handlers struct {
	repo      store.Repository
	artifacts Pinger
	logger    *logger.Logger
}

func NewHandlers(repo store.Repository, artifactStore Pinger, log *logger.Logger) *Handlers {
	return &Handlers{repo: repo, artifacts: artifactStore, logger: log}
}

// RegisterRoutes mounts GET /health on the root router.
func (h *Handlers) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", h.aggregate)
}

type checkResult struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

func (h *Handlers) aggregate(c *gin.Context) {
	ctx := c.Request.Context()
	checks := map[string]checkResult{}
	healthy := true

	if err := h.repo.Ping(ctx); err != nil {
		checks["database"] = checkResult{Healthy: false, Detail: err.Error()}
		healthy = false
	} else {
		checks["database"] = checkResult{Healthy: true}
	}

	if err := h.artifacts.Ping(ctx); err != nil {
		checks["artifact_store"] = checkResult{Healthy: false, Detail: err.Error()}
		healthy = false
	} else {
		checks["artifact_store"] = checkResult{Healthy: true}
	}

	online, err := h.repo.ListNodesByStatus(ctx, v1.NodeStatusOnline)
	switch {
	case err != nil:
		checks["runtime_nodes"] = checkResult{Healthy: false, Detail: err.Error()}
		healthy = false
	case len(online) == 0:
		checks["runtime_nodes"] = checkResult{Healthy: false, Detail: "no online runtime nodes"}
		healthy = false
	default:
		checks["runtime_nodes"] = checkResult{Healthy: true}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "checks": checks})
}
