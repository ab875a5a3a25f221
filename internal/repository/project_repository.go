package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/devspace-api/internal/models"
)

const projectColumns = `id, owner_id, name, description, created_at, updated_at`

// ProjectRepository manages persistence for projects. Every query is scoped
// to the owning user.
type ProjectRepository struct {
	db *sqlx.DB
}

// NewProjectRepository constructs a ProjectRepository.
func NewProjectRepository(db *sqlx.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// List returns the owner's projects matching filter with the total count.
func (r *ProjectRepository) List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, int, error) {
	base := "FROM projects WHERE owner_id = $1"
	args := []interface{}{filter.OwnerID}

	if filter.Search != "" {
		base += fmt.Sprintf(" AND LOWER(name) LIKE $%d", len(args)+1)
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	filter = filter.Normalized()
	size := filter.PageSize
	offset := (filter.Page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY created_at DESC LIMIT %d OFFSET %d", projectColumns, base, size, offset)
	var projects []models.Project
	if err := r.db.SelectContext(ctx, &projects, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+base, args...); err != nil {
		return nil, 0, fmt.Errorf("count projects: %w", err)
	}

	return projects, total, nil
}

// FindByID returns a project owned by ownerID.
func (r *ProjectRepository) FindByID(ctx context.Context, ownerID, id string) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1 AND owner_id = $2`
	var project models.Project
	if err := r.db.GetContext(ctx, &project, query, id, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find project: %w", err)
	}
	return &project, nil
}

// Create inserts a project.
func (r *ProjectRepository) Create(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	const query = `INSERT INTO projects (id, owner_id, name, description, created_at, updated_at) VALUES (:id, :owner_id, :name, :description, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, project); err != nil {
		return mapProjectConstraint(err, "create project")
	}
	return nil
}

// Update changes the mutable fields of an owned project and returns the stored
// row. sql.ErrNoRows means the project does not exist for this owner.
func (r *ProjectRepository) Update(ctx context.Context, project *models.Project) (*models.Project, error) {
	query := `UPDATE projects SET name = $3, description = $4 WHERE id = $1 AND owner_id = $2 RETURNING ` + projectColumns
	var updated models.Project
	if err := r.db.GetContext(ctx, &updated, query, project.ID, project.OwnerID, project.Name, project.Description); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, mapProjectConstraint(err, "update project")
	}
	return &updated, nil
}

// Delete removes an owned project.
func (r *ProjectRepository) Delete(ctx context.Context, ownerID, id string) error {
	const query = `DELETE FROM projects WHERE id = $1 AND owner_id = $2`
	res, err := r.db.ExecContext(ctx, query, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return requireAffected(res)
}

func mapProjectConstraint(err error, op string) error {
	if _, ok := uniqueViolation(err); ok {
		return ErrDuplicateProject
	}
	return fmt.Errorf("%s: %w", op, err)
}
