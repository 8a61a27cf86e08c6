// Package template manages the sandbox image catalog sessions are
// created from.
package template

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// Service owns template CRUD. Deletion is restricted: a template with
// active sessions cannot be removed.
type Service struct {
	repo   store.Repository
	logger *logger.Logger
}

func NewService(repo store.Repository, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "template-service")),
	}
}

// CreateInput is the resolved input for registering a template.
type CreateInput struct {
	Name             string
	ImageRef         string
	DefaultResources v1.ResourceLimits
	Packages         []string
	SecurityContext  json.RawMessage
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*store.Template, error) {
	if in.Name == "" {
		return nil, errors.ValidationError("name", "must not be empty")
	}
	if in.ImageRef == "" {
		return nil, errors.ValidationError("image_ref", "must not be empty")
	}
	if existing, err := s.repo.GetTemplateByName(ctx, in.Name); err == nil && existing != nil {
		return nil, errors.Conflict("a template with this name already exists")
	} else if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}

	template := &store.Template{
		ID:               v1.NewID(v1.TemplateIDPrefix),
		Name:             in.Name,
		ImageRef:         in.ImageRef,
		DefaultResources: in.DefaultResources,
		Packages:         in.Packages,
		SecurityContext:  in.SecurityContext,
	}
	if err := s.repo.CreateTemplate(ctx, template); err != nil {
		return nil, err
	}
	s.logger.Info("Template registered", zap.String("template_id", template.ID), zap.String("image", template.ImageRef))
	return template, nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.Template, error) {
	return s.repo.GetTemplate(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*store.Template, error) {
	return s.repo.ListTemplates(ctx)
}

// UpdateInput carries the mutable template fields; nil means keep.
type UpdateInput struct {
	ImageRef         *string
	DefaultResources *v1.ResourceLimits
	Packages         []string
	SecurityContext  json.RawMessage
}

func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*store.Template, error) {
	template, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.ImageRef != nil {
		if *in.ImageRef == "" {
			return nil, errors.ValidationError("image_ref", "must not be empty")
		}
		template.ImageRef = *in.ImageRef
	}
	if in.DefaultResources != nil {
		template.DefaultResources = *in.DefaultResources
	}
	if in.Packages != nil {
		template.Packages = in.Packages
	}
	if in.SecurityContext != nil {
		template.SecurityContext = in.SecurityContext
	}
	if err := s.repo.UpdateTemplate(ctx, template); err != nil {
		return nil, err
	}
	return template, nil
}

// Delete removes a template. The repository rejects the delete while
// any non-terminal session still references it.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.DeleteTemplate(ctx, id)
}
