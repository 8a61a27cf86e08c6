package template

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/httpmw"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// Handlers exposes the template REST surface.
type Handlers struct {
	service *Service
	logger  *logger.Logger
}

func NewHandlers(service *Service, log *logger.Logger) *Handlers {
	return &Handlers{service: service, logger: log}
}

// RegisterRoutes mounts the template endpoints.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/templates", h.createTemplate)
	rg.GET("/templates", h.listTemplates)
	rg.GET("/templates/:id", h.getTemplate)
	rg.PUT("/templates/:id", h.updateTemplate)
	rg.DELETE("/templates/:id", h.deleteTemplate)
}

// TemplateRequest is the create/update body.
type TemplateRequest struct {
	Name             string             `json:"name"`
	ImageRef         string             `json:"image_ref"`
	DefaultResources *v1.ResourceLimits `json:"default_resources,omitempty"`
	Packages         []string           `json:"packages,omitempty"`
	SecurityContext  json.RawMessage    `json:"security_context,omitempty"`
}

// TemplateDTO is the template document.
type TemplateDTO struct {
	ID               string            `json:"template_id"`
	Name             string            `json:"name"`
	ImageRef         string            `json:"image_ref"`
	DefaultResources v1.ResourceLimits `json:"default_resources"`
	Packages         []string          `json:"packages,omitempty"`
	SecurityContext  json.RawMessage   `json:"security_context,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func fromTemplate(t *store.Template) TemplateDTO {
	return TemplateDTO{
		ID:               t.ID,
		Name:             t.Name,
		ImageRef:         t.ImageRef,
		DefaultResources: t.DefaultResources,
		Packages:         t.Packages,
		SecurityContext:  t.SecurityContext,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func (h *Handlers) createTemplate(c *gin.Context) {
	var req TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	in := CreateInput{
		Name:            req.Name,
		ImageRef:        req.ImageRef,
		Packages:        req.Packages,
		SecurityContext: req.SecurityContext,
	}
	if req.DefaultResources != nil {
		in.DefaultResources = *req.DefaultResources
	}

	template, err := h.service.Create(c.Request.Context(), in)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, fromTemplate(template))
}

func (h *Handlers) getTemplate(c *gin.Context) {
	template, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, fromTemplate(template))
}

func (h *Handlers) listTemplates(c *gin.Context) {
	templates, err := h.service.List(c.Request.Context())
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	items := make([]TemplateDTO, 0, len(templates))
	for _, t := range templates {
		items = append(items, fromTemplate(t))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handlers) updateTemplate(c *gin.Context) {
	var req TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	in := UpdateInput{
		Packages:         req.Packages,
		SecurityContext:  req.SecurityContext,
		DefaultResources: req.DefaultResources,
	}
	if req.ImageRef != "" {
		in.ImageRef = &req.ImageRef
	}

	template, err := h.service.Update(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, fromTemplate(template))
}

func (h *Handlers) deleteTemplate(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
