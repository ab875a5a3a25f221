package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/devspace-api/internal/models"
	"github.com/noah-isme/devspace-api/internal/repository"
	"github.com/noah-isme/devspace-api/internal/security"
	appErrors "github.com/noah-isme/devspace-api/pkg/errors"
)

type profileStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateUsername(ctx context.Context, id, username string) (*models.User, error)
}

// UserService serves the authenticated user's own profile.
type UserService struct {
	repo      profileStore
	audit     auditWriter
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService creates an instance of UserService.
func NewUserService(repo profileStore, audit auditWriter, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = NewValidator()
	}
	return &UserService{repo: repo, audit: audit, validator: validate, logger: logger}
}

// GetProfile returns the public projection of a user.
func (s *UserService) GetProfile(ctx context.Context, id string) (*models.PublicUser, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	public := user.Public()
	return &public, nil
}

// UpdateProfile changes the username of a user.
func (s *UserService) UpdateProfile(ctx context.Context, id string, req models.UpdateProfileRequest, meta models.RequestMeta) (*models.PublicUser, error) {
	req.Username = strings.TrimSpace(req.Username)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.FromValidation(err, "invalid profile payload")
	}
	if err := security.CheckUsername(req.Username); err != nil {
		return nil, validationError("invalid profile payload", map[string]string{"username": err.Error()})
	}

	user, err := s.repo.UpdateUsername(ctx, id, req.Username)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		case errors.Is(err, repository.ErrDuplicateUsername):
			return nil, appErrors.Clone(appErrors.ErrConflict, "username already taken")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update profile")
	}

	if s.audit != nil {
		if err := s.audit.Create(ctx, &models.AuditLog{
			UserID:     &user.ID,
			Action:     models.AuditActionProfileUpdate,
			Resource:   "users",
			ResourceID: &user.ID,
			NewValues:  auditPayload(map[string]interface{}{"username": user.Username}),
			IPAddress:  meta.IP,
			UserAgent:  meta.UserAgent,
		}); err != nil {
			s.logger.Warn("failed to record profile update audit log", zap.Error(err))
		}
	}

	public := user.Public()
	return &public, nil
}
