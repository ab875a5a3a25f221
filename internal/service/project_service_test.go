package service

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/devspace-api/internal/models"
	"github.com/noah-isme/devspace-api/internal/repository"
	appErrors "github.com/noah-isme/devspace-api/pkg/errors"
)

type memoryProjectRepo struct {
	mu       sync.Mutex
	projects map[string]models.Project
}

func newMemoryProjectRepo() *memoryProjectRepo {
	return &memoryProjectRepo{projects: make(map[string]models.Project)}
}

func (m *memoryProjectRepo) List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Project
	for _, p := range m.projects {
		if p.OwnerID == filter.OwnerID && strings.Contains(strings.ToLower(p.Name), strings.ToLower(filter.Search)) {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (m *memoryProjectRepo) FindByID(ctx context.Context, ownerID, id string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || p.OwnerID != ownerID {
		return nil, sql.ErrNoRows
	}
	return &p, nil
}

func (m *memoryProjectRepo) Create(ctx context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.projects {
		if p.OwnerID == project.OwnerID && p.Name == project.Name {
			return repository.ErrDuplicateProject
		}
	}
	project.ID = uuid.NewString()
	m.projects[project.ID] = *project
	return nil
}

func (m *memoryProjectRepo) Update(ctx context.Context, project *models.Project) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[project.ID]
	if !ok || p.OwnerID != project.OwnerID {
		return nil, sql.ErrNoRows
	}
	p.Name, p.Description = project.Name, project.Description
	m.projects[p.ID] = p
	return &p, nil
}

func (m *memoryProjectRepo) Delete(ctx context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok || p.OwnerID != ownerID {
		return sql.ErrNoRows
	}
	delete(m.projects, id)
	return nil
}

func TestProjectServiceOwnerScoping(t *testing.T) {
	svc := NewProjectService(newMemoryProjectRepo(), nil, zap.NewNop())
	ctx := context.Background()

	project, err := svc.Create(ctx, "owner", models.ProjectRequest{Name: "  API  ", Description: "backend"})
	require.NoError(t, err)
	assert.Equal(t, "API", project.Name)

	_, err = svc.Create(ctx, "owner", models.ProjectRequest{Name: "API"})
	requireCode(t, err, appErrors.ErrConflict)

	_, err = svc.Get(ctx, "intruder", project.ID)
	requireCode(t, err, appErrors.ErrNotFound)
	_, err = svc.Update(ctx, "intruder", project.ID, models.ProjectRequest{Name: "stolen"})
	requireCode(t, err, appErrors.ErrNotFound)
	requireCode(t, svc.Delete(ctx, "intruder", project.ID), appErrors.ErrNotFound)

	updated, err := svc.Update(ctx, "owner", project.ID, models.ProjectRequest{Name: "API v2"})
	require.NoError(t, err)
	assert.Equal(t, "API v2", updated.Name)

	projects, pagination, err := svc.List(ctx, models.ProjectFilter{OwnerID: "owner"})
	require.NoError(t, err)
	assert.Len(t, projects, 1)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 20, pagination.PageSize)
	assert.Equal(t, 1, pagination.TotalCount)

	empty, _, err := svc.List(ctx, models.ProjectFilter{OwnerID: "intruder"})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	require.NoError(t, svc.Delete(ctx, "owner", project.ID))
	_, err = svc.Get(ctx, "owner", project.ID)
	requireCode(t, err, appErrors.ErrNotFound)
}

func TestProjectServiceValidation(t *testing.T) {
	svc := NewProjectService(newMemoryProjectRepo(), nil, zap.NewNop())

	_, err := svc.Create(context.Background(), "owner", models.ProjectRequest{Name: "   "})
	appErr := requireCode(t, err, appErrors.ErrValidation)
	assert.Contains(t, appErr.Details, "name")
}

// malformedIDRepo fails every call the way Postgres does when a non-UUID value
// is compared against a UUID column.
type malformedIDRepo struct {
	calls int
}

func (m *malformedIDRepo) fail() error {
	m.calls++
	return &pq.Error{Code: "22P02", Message: "invalid input syntax for type uuid"}
}

func (m *malformedIDRepo) List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, int, error) {
	return nil, 0, m.fail()
}

func (m *malformedIDRepo) FindByID(ctx context.Context, ownerID, id string) (*models.Project, error) {
	return nil, m.fail()
}

func (m *malformedIDRepo) Create(ctx context.Context, project *models.Project) error {
	return m.fail()
}

func (m *malformedIDRepo) Update(ctx context.Context, project *models.Project) (*models.Project, error) {
	return nil, m.fail()
}

func (m *malformedIDRepo) Delete(ctx context.Context, ownerID, id string) error {
	return m.fail()
}

func TestProjectServiceRejectsMalformedIDsAsNotFound(t *testing.T) {
	repo := &malformedIDRepo{}
	svc := NewProjectService(repo, nil, zap.NewNop())
	ctx := context.Background()

	for _, id := range []string{"abc", "", "1", "not-a-uuid-at-all"} {
		_, err := svc.Get(ctx, "owner", id)
		requireCode(t, err, appErrors.ErrNotFound)

		_, err = svc.Update(ctx, "owner", id, models.ProjectRequest{Name: "API"})
		requireCode(t, err, appErrors.ErrNotFound)

		requireCode(t, svc.Delete(ctx, "owner", id), appErrors.ErrNotFound)
	}
	assert.Zero(t, repo.calls)
}

type recordingProjectRepo struct {
	memoryProjectRepo
	lastFilter models.ProjectFilter
}

func (r *recordingProjectRepo) List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, int, error) {
	r.lastFilter = filter
	return nil, 0, nil
}

func TestProjectServiceClampsPagination(t *testing.T) {
	repo := &recordingProjectRepo{memoryProjectRepo: memoryProjectRepo{projects: make(map[string]models.Project)}}
	svc := NewProjectService(repo, nil, zap.NewNop())

	_, pagination, err := svc.List(context.Background(), models.ProjectFilter{OwnerID: "owner", Page: 1 << 62, PageSize: 5000})
	require.NoError(t, err)
	assert.Equal(t, models.MaxPage, pagination.Page)
	assert.Equal(t, models.DefaultPageSize, pagination.PageSize)
	assert.Equal(t, models.MaxPage, repo.lastFilter.Page)
}
