package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	internalmiddleware "github.com/noah-isme/devspace-api/internal/middleware"
	"github.com/noah-isme/devspace-api/internal/models"
	"github.com/noah-isme/devspace-api/internal/service"
	"github.com/noah-isme/devspace-api/pkg/response"
)

// ProjectHandler manages the current user's projects.
type ProjectHandler struct {
	service *service.ProjectService
}

// NewProjectHandler constructs a ProjectHandler.
func NewProjectHandler(svc *service.ProjectService) *ProjectHandler {
	return &ProjectHandler{service: svc}
}

// List godoc
// @Summary List projects
// @Tags Projects
// @Produce json
// @Security BearerAuth
// @Param search query string false "Name filter"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /projects [get]
func (h *ProjectHandler) List(c *gin.Context) {
	claims := currentClaims(c)
	if claims == nil {
		return
	}

	filter := models.ProjectFilter{OwnerID: claims.UserID(), Search: strings.TrimSpace(c.Query("search"))}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	projects, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, projects, pagination)
}

// Get godoc
// @Summary Get project
// @Tags Projects
// @Produce json
// @Security BearerAuth
// @Param id path string true "Project ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /projects/{id} [get]
func (h *ProjectHandler) Get(c *gin.Context) {
	claims := currentClaims(c)
	if claims == nil {
		return
	}

	project, err := h.service.Get(c.Request.Context(), claims.UserID(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, project, nil)
}

// Create godoc
// @Summary Create project
// @Tags Projects
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body models.ProjectRequest true "Project"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /projects [post]
func (h *ProjectHandler) Create(c *gin.Context) {
	claims := currentClaims(c)
	if claims == nil {
		return
	}

	var req models.ProjectRequest
	if !bindJSON(c, &req, "invalid project payload", false) {
		return
	}

	project, err := h.service.Create(c.Request.Context(), claims.UserID(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	internalmiddleware.SetAuditResource(c, project.ID)
	response.Created(c, project)
}

// Update godoc
// @Summary Update project
// @Tags Projects
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Project ID"
// @Param payload body models.ProjectRequest true "Project"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /projects/{id} [put]
func (h *ProjectHandler) Update(c *gin.Context) {
	claims := currentClaims(c)
	if claims == nil {
		return
	}

	var req models.ProjectRequest
	if !bindJSON(c, &req, "invalid project payload", false) {
		return
	}

	project, err := h.service.Update(c.Request.Context(), claims.UserID(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, project, nil)
}

// Delete godoc
// @Summary Delete project
// @Tags Projects
// @Security BearerAuth
// @Param id path string true "Project ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /projects/{id} [delete]
func (h *ProjectHandler) Delete(c *gin.Context) {
	claims := currentClaims(c)
	if claims == nil {
		return
	}

	if err := h.service.Delete(c.Request.Context(), claims.UserID(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
