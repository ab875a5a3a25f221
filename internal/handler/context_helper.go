package handler

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/devspace-api/internal/middleware"
	"github.com/noah-isme/devspace-api/internal/models"
	appErrors "github.com/noah-isme/devspace-api/pkg/errors"
	"github.com/noah-isme/devspace-api/pkg/response"
)

func requestMeta(c *gin.Context) models.RequestMeta {
	return models.RequestMeta{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}

// currentClaims returns the verified claims or writes a 401 and returns nil.
func currentClaims(c *gin.Context) *models.AccessClaims {
	claims := middleware.Claims(c)
	if claims == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "authentication required"))
		return nil
	}
	return claims
}

// bindJSON decodes the request body into dst and writes a validation error on
// malformed input. An empty body is accepted when optional is set.
func bindJSON(c *gin.Context, dst interface{}, message string, optional bool) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message))
		return false
	}
	return true
}
