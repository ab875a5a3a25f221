package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/devspace-api/internal/models"
	"github.com/noah-isme/devspace-api/internal/repository"
	appErrors "github.com/noah-isme/devspace-api/pkg/errors"
)

type projectRepository interface {
	List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, int, error)
	FindByID(ctx context.Context, ownerID, id string) (*models.Project, error)
	Create(ctx context.Context, project *models.Project) error
	Update(ctx context.Context, project *models.Project) (*models.Project, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// ProjectService manages projects owned by the authenticated user. Projects of
// other users are reported as not found.
type ProjectService struct {
	repo      projectRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewProjectService constructs a ProjectService.
func NewProjectService(repo projectRepository, validate *validator.Validate, logger *zap.Logger) *ProjectService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = NewValidator()
	}
	return &ProjectService{repo: repo, validator: validate, logger: logger}
}

// List returns the owner's projects and pagination metadata.
func (s *ProjectService) List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, *models.Pagination, error) {
	filter = filter.Normalized()
	projects, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list projects")
	}
	if projects == nil {
		projects = []models.Project{}
	}

	return projects, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Get returns one owned project.
func (s *ProjectService) Get(ctx context.Context, ownerID, id string) (*models.Project, error) {
	if !validProjectID(id) {
		return nil, projectNotFound()
	}
	project, err := s.repo.FindByID(ctx, ownerID, id)
	if err != nil {
		return nil, projectError(err, "failed to load project")
	}
	return project, nil
}

// Create adds a project for ownerID.
func (s *ProjectService) Create(ctx context.Context, ownerID string, req models.ProjectRequest) (*models.Project, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.FromValidation(err, "invalid project payload")
	}

	project := &models.Project{OwnerID: ownerID, Name: req.Name, Description: req.Description}
	if err := s.repo.Create(ctx, project); err != nil {
		return nil, projectError(err, "failed to create project")
	}
	s.logger.Info("project created", zap.String("project_id", project.ID), zap.String("owner_id", ownerID))
	return project, nil
}

// Update replaces the name and description of an owned project.
func (s *ProjectService) Update(ctx context.Context, ownerID, id string, req models.ProjectRequest) (*models.Project, error) {
	if !validProjectID(id) {
		return nil, projectNotFound()
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.FromValidation(err, "invalid project payload")
	}

	project, err := s.repo.Update(ctx, &models.Project{ID: id, OwnerID: ownerID, Name: req.Name, Description: req.Description})
	if err != nil {
		return nil, projectError(err, "failed to update project")
	}
	return project, nil
}

// Delete removes an owned project.
func (s *ProjectService) Delete(ctx context.Context, ownerID, id string) error {
	if !validProjectID(id) {
		return projectNotFound()
	}
	if err := s.repo.Delete(ctx, ownerID, id); err != nil {
		return projectError(err, "failed to delete project")
	}
	return nil
}

// validProjectID reports whether id can name a row of the UUID keyed projects
// table. Anything else cannot exist and must not reach the database.
func validProjectID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func projectNotFound() *appErrors.Error {
	return appErrors.Clone(appErrors.ErrNotFound, "project not found")
}

func projectError(err error, message string) *appErrors.Error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return projectNotFound()
	case errors.Is(err, repository.ErrDuplicateProject):
		return appErrors.Clone(appErrors.ErrConflict, "a project with this name already exists")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
