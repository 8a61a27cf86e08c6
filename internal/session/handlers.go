package session

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kweaver-ai/sandbox/internal/artifacts"
	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/httpmw"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// maxUploadBytes caps workspace file uploads.
const maxUploadBytes = 100 << 20

// Handlers exposes the session REST surface.
type Handlers struct {
	manager         *Manager
	artifacts       *artifacts.Store
	inlineThreshold int64
	logger          *logger.Logger
}

func NewHandlers(manager *Manager, artifactStore *artifacts.Store, inlineThreshold int64, log *logger.Logger) *Handlers {
	return &Handlers{
		manager:         manager,
		artifacts:       artifactStore,
		inlineThreshold: inlineThreshold,
		logger:          log,
	}
}

// RegisterRoutes mounts the public session endpoints.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.createSession)
	rg.GET("/sessions", h.listSessions)
	rg.GET("/sessions/:id", h.getSession)
	rg.DELETE("/sessions/:id", h.terminateSession)
	rg.GET("/sessions/:id/logs", h.sessionLogs)
	rg.POST("/sessions/:id/files/upload", h.uploadFile)
	rg.GET("/sessions/:id/files/*path", h.downloadFile)
}

// RegisterInternalRoutes mounts the executor callback endpoints.
func (h *Handlers) RegisterInternalRoutes(rg *gin.RouterGroup) {
	rg.POST("/sessions/:id/container_ready", h.containerReady)
	rg.POST("/sessions/:id/container_exited", h.containerExited)
	rg.POST("/sessions/:id/dependency_install_result", h.dependencyResult)
}

func (h *Handlers) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	sess, err := h.manager.Create(c.Request.Context(), CreateRequest{
		TemplateID:     req.TemplateID,
		Resources:      req.Resources,
		TimeoutSeconds: req.TimeoutSeconds,
		EnvVars:        req.EnvVars,
		Dependencies:   req.Dependencies,
	})
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID:    sess.ID,
		Status:       string(sess.Status),
		WorkspaceURI: sess.WorkspaceURI,
		CreatedAt:    sess.CreatedAt,
	})
}

func (h *Handlers) getSession(c *gin.Context) {
	sess, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, FromSession(sess))
}

func (h *Handlers) listSessions(c *gin.Context) {
	opts := store.ListSessionsOptions{
		Cursor: c.Query("cursor"),
		Status: v1.SessionStatus(c.Query("status")),
	}
	if limit := c.Query("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed <= 0 {
			httpmw.RespondError(c, h.logger, apperrors.ValidationError("limit", "must be a positive integer"))
			return
		}
		opts.Limit = parsed
	}

	sessions, next, err := h.manager.List(c.Request.Context(), opts)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}

	items := make([]SessionDTO, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, FromSession(sess))
	}
	c.JSON(http.StatusOK, ListSessionsResponse{Items: items, NextCursor: next})
}

func (h *Handlers) terminateSession(c *gin.Context) {
	if err := h.manager.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// sessionLogs returns the tail of the session's container output, for
// operator debugging.
func (h *Handlers) sessionLogs(c *gin.Context) {
	tail := 100
	if raw := c.Query("tail"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpmw.RespondError(c, h.logger, apperrors.ValidationError("tail", "must be a positive integer"))
			return
		}
		tail = parsed
	}

	out, err := h.manager.Logs(c.Request.Context(), c.Param("id"), tail)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", out)
}

func (h *Handlers) uploadFile(c *gin.Context) {
	sess, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("multipart field 'file' is required"))
		return
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, httpmw.ErrorResponse{
			ErrorCode: apperrors.ErrCodeValidationError,
			Message:   fmt.Sprintf("file exceeds the %d byte upload limit", maxUploadBytes),
		})
		return
	}

	relPath := c.PostForm("path")
	if relPath == "" {
		relPath = header.Filename
	}
	relPath = strings.TrimPrefix(relPath, "/")
	if relPath == "" || strings.Contains(relPath, "..") {
		httpmw.RespondError(c, h.logger, apperrors.ValidationError("path", "must be a relative workspace path"))
		return
	}

	key := artifacts.WorkspaceKey(sess.ID, relPath)
	mimeType := header.Header.Get("Content-Type")
	if err := h.artifacts.PutStream(c.Request.Context(), key, file, header.Size, mimeType); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"path":       relPath,
		"size_bytes": header.Size,
	})
}

// downloadFile streams small files inline and redirects to a presigned
// URL above the inline threshold.
func (h *Handlers) downloadFile(c *gin.Context) {
	sess, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}

	relPath := strings.TrimPrefix(c.Param("path"), "/")
	if relPath == "" || strings.Contains(relPath, "..") {
		httpmw.RespondError(c, h.logger, apperrors.ValidationError("path", "must be a relative workspace path"))
		return
	}
	key := artifacts.WorkspaceKey(sess.ID, relPath)

	objects, err := h.artifacts.List(c.Request.Context(), key)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	var size int64 = -1
	for _, obj := range objects {
		if obj.Key == key {
			size = obj.SizeBytes
			break
		}
	}
	if size < 0 {
		httpmw.RespondError(c, h.logger, apperrors.NotFound("file", relPath))
		return
	}

	if size > h.inlineThreshold {
		url, err := h.artifacts.PresignGet(c.Request.Context(), key, 15*time.Minute)
		if err != nil {
			httpmw.RespondError(c, h.logger, err)
			return
		}
		c.Redirect(http.StatusFound, url)
		return
	}

	body, err := h.artifacts.Get(c.Request.Context(), key)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	defer body.Close()
	c.DataFromReader(http.StatusOK, size, "application/octet-stream", body, nil)
}

func (h *Handlers) containerReady(c *gin.Context) {
	err := h.manager.HandleContainerReady(c.Request.Context(), c.Param("id"))
	if err != nil {
		if apperrors.IsConflict(err) {
			// Late or duplicate readiness notice.
			c.Status(http.StatusOK)
			return
		}
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) containerExited(c *gin.Context) {
	var req ContainerExitedRequest
	_ = c.ShouldBindJSON(&req)

	detail := req.Detail
	if detail == "" {
		detail = fmt.Sprintf("exit code %d", req.ExitCode)
	}
	if err := h.manager.HandleContainerExited(c.Request.Context(), c.Param("id"), detail); err != nil {
		if apperrors.IsConflict(err) {
			c.Status(http.StatusOK)
			return
		}
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handlers) dependencyResult(c *gin.Context) {
	var req DependencyResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid request body"))
		return
	}

	err := h.manager.HandleDependencyResult(c.Request.Context(), c.Param("id"), req.Success, req.Installed, req.Detail)
	if err != nil {
		if apperrors.IsConflict(err) {
			c.Status(http.StatusOK)
			return
		}
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusOK)
}
