// Package node exposes the operator surface over the runtime node
// fleet: introspection and drain control.
package node

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/httpmw"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// Handlers exposes the runtime node endpoints.
type Handlers struct {
	repo   store.Repository
	logger *logger.Logger
}

func NewHandlers(repo store.Repository, log *logger.Logger) *Handlers {
	return &Handlers{repo: repo, logger: log}
}

// RegisterRoutes mounts the operator endpoints.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/runtimes", h.listNodes)
	rg.GET("/runtimes/:id/health", h.nodeHealth)
	rg.GET("/runtimes/:id/metrics", h.nodeMetrics)
	rg.POST("/runtimes/:id/drain", h.drainNode)
}

// NodeDTO is the operator view of one runtime node.
type NodeDTO struct {
	ID                  string    `json:"node_id"`
	Kind                string    `json:"kind"`
	Endpoint            string    `json:"endpoint"`
	Status              string    `json:"status"`
	ContainerCount      int       `json:"container_count"`
	CapacityCap         int       `json:"capacity_cap"`
	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

func fromNode(n *store.RuntimeNode) NodeDTO {
	return NodeDTO{
		ID:                  n.ID,
		Kind:                string(n.Kind),
		Endpoint:            n.Endpoint,
		Status:              string(n.Status),
		ContainerCount:      n.ContainerCount,
		CapacityCap:         n.CapacityCap,
		LastHeartbeatAt:     n.LastHeartbeatAt,
		ConsecutiveFailures: n.ConsecutiveFailures,
	}
}

func (h *Handlers) listNodes(c *gin.Context) {
	nodes, err := h.repo.ListNodes(c.Request.Context())
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	items := make([]NodeDTO, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, fromNode(n))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handlers) nodeHealth(c *gin.Context) {
	node, err := h.repo.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"node_id":              node.ID,
		"status":               string(node.Status),
		"last_heartbeat_at":    node.LastHeartbeatAt,
		"consecutive_failures": node.ConsecutiveFailures,
	})
}

func (h *Handlers) nodeMetrics(c *gin.Context) {
	node, err := h.repo.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"node_id":         node.ID,
		"cpu_total":       node.CPUTotal,
		"cpu_used":        node.CPUUsed,
		"memory_total":    node.MemoryTotal,
		"memory_used":     node.MemoryUsed,
		"container_count": node.ContainerCount,
		"capacity_cap":    node.CapacityCap,
	})
}

// drainNode stops new placements on the node. Existing sessions keep
// running until they end or the node is lost.
func (h *Handlers) drainNode(c *gin.Context) {
	ctx := c.Request.Context()
	node, err := h.repo.GetNode(ctx, c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	if node.Status == v1.NodeStatusDraining {
		c.JSON(http.StatusOK, fromNode(node))
		return
	}
	if node.Status == v1.NodeStatusOffline {
		httpmw.RespondError(c, h.logger, apperrors.Conflict("an offline node cannot be drained"))
		return
	}

	node.Status = v1.NodeStatusDraining
	if err := h.repo.UpdateNode(ctx, node); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	h.logger.WithNodeID(node.ID).Info("Node set to draining")
	c.JSON(http.StatusOK, fromNode(node))
}
