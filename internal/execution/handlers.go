package execution

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/httpmw"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// Handlers exposes the execution REST surface.
type Handlers struct {
	manager *Manager
	logger  *logger.Logger
}

func NewHandlers(manager *Manager, log *logger.Logger) *Handlers {
	return &Handlers{manager: manager, logger: log}
}

// RegisterRoutes mounts the public execution endpoints.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sessions/:id/execute", h.execute)
	rg.GET("/sessions/:id/executions", h.listBySession)
	rg.GET("/executions/:id", h.getExecution)
	rg.GET("/executions/:id/status", h.getStatus)
	rg.GET("/executions/:id/result", h.getResult)
}

// RegisterInternalRoutes mounts the executor callback endpoints.
func (h *Handlers) RegisterInternalRoutes(rg *gin.RouterGroup) {
	rg.POST("/executions/:id/heartbeat", h.heartbeat)
	rg.POST("/executions/:id/status", h.statusUpdate)
	rg.POST("/executions/:id/result", h.ingestResult)
}

func (h *Handlers) execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	exec, err := h.manager.Submit(c.Request.Context(), SubmitRequest{
		SessionID:      c.Param("id"),
		Code:           req.Code,
		Language:       req.Language,
		Stdin:          req.Event,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, ExecuteResponse{
		ExecutionID: exec.ID,
		Status:      "submitted",
	})
}

func (h *Handlers) getExecution(c *gin.Context) {
	exec, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, FromExecution(exec))
}

func (h *Handlers) getStatus(c *gin.Context) {
	exec, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ExecutionStatusDTO{ID: exec.ID, Status: string(exec.Status)})
}

func (h *Handlers) getResult(c *gin.Context) {
	exec, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	if !exec.Status.IsTerminal() {
		httpmw.RespondError(c, h.logger, apperrors.Conflict("execution has not finished"))
		return
	}
	c.JSON(http.StatusOK, ExecutionResultDTO{
		ID:                   exec.ID,
		Status:               string(exec.Status),
		Stdout:               exec.Stdout,
		Stderr:               exec.Stderr,
		ExitCode:             exec.ExitCode,
		ExecutionTimeSeconds: exec.ExecutionTimeSeconds,
		ReturnValue:          exec.ReturnValue,
		Metrics:              exec.Metrics,
		Artifacts:            exec.Artifacts,
	})
}

func (h *Handlers) listBySession(c *gin.Context) {
	execs, err := h.manager.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	items := make([]ExecutionDTO, 0, len(execs))
	for _, exec := range execs {
		items = append(items, FromExecution(exec))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handlers) heartbeat(c *gin.Context) {
	if err := h.manager.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) statusUpdate(c *gin.Context) {
	var req StatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.manager.HandleStatusUpdate(c.Request.Context(), c.Param("id"), v1.ExecutionStatus(req.Status)); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) ingestResult(c *gin.Context) {
	var req ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	err := h.manager.IngestResult(c.Request.Context(), c.Param("id"), ResultPayload{
		Status:               v1.ExecutionStatus(req.Status),
		Stdout:               req.Stdout,
		Stderr:               req.Stderr,
		ExitCode:             req.ExitCode,
		ExecutionTimeSeconds: req.ExecutionTimeSeconds,
		ReturnValue:          req.ReturnValue,
		Metrics:              req.Metrics,
		Artifacts:            req.Artifacts,
	})
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusOK)
}
