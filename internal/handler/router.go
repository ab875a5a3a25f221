package handler

import (
	"strings"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	internalmiddleware "github.com/noah-isme/devspace-api/internal/middleware"
	"github.com/noah-isme/devspace-api/internal/models"
	"github.com/noah-isme/devspace-api/internal/service"
	"github.com/noah-isme/devspace-api/pkg/config"
	"github.com/noah-isme/devspace-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/devspace-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/devspace-api/pkg/middleware/requestid"
)

// RouterDeps carries everything NewRouter mounts.
type RouterDeps struct {
	Config          *config.Config
	Logger          *zap.Logger
	Auth            *service.AuthService
	Users           *service.UserService
	Projects        *service.ProjectService
	Metrics         *service.MetricsService
	Audit           internalmiddleware.AuditWriter
	ReadinessChecks map[string]ReadinessCheck
}

// NewRouter builds the gin engine with the middleware chain and every route.
func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(deps.Metrics))
	if cfg.HTTP.RequestTimeout > 0 {
		r.Use(internalmiddleware.Timeout(cfg.HTTP.RequestTimeout))
	}

	ops := NewMetricsHandler(deps.Metrics, deps.ReadinessChecks)
	r.GET("/health", ops.Health)
	r.GET("/ready", ops.Ready)
	r.GET("/metrics", ops.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := NewAuthHandler(deps.Auth)
	userHandler := NewUserHandler(deps.Users)
	projectHandler := NewProjectHandler(deps.Projects)

	api := r.Group(apiPrefix(cfg.APIPrefix))
	requireAuth := internalmiddleware.JWT(deps.Auth)

	auth := api.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.GET("/verify", internalmiddleware.OptionalJWT(deps.Auth), authHandler.Verify)
	auth.POST("/logout", requireAuth, authHandler.Logout)
	auth.GET("/sessions", requireAuth, authHandler.Sessions)
	auth.POST("/change-password", requireAuth, authHandler.ChangePassword)

	users := api.Group("/users", requireAuth)
	users.GET("/me", userHandler.Me)
	users.PATCH("/me", userHandler.UpdateMe)

	projects := api.Group("/projects", requireAuth)
	projects.GET("", projectHandler.List)
	projects.POST("", internalmiddleware.Audit(deps.Audit, deps.Logger, models.AuditActionProjectCreate, "projects"), projectHandler.Create)
	projects.GET("/:id", projectHandler.Get)
	projects.PUT("/:id", internalmiddleware.Audit(deps.Audit, deps.Logger, models.AuditActionProjectUpdate, "projects"), projectHandler.Update)
	projects.DELETE("/:id", internalmiddleware.Audit(deps.Audit, deps.Logger, models.AuditActionProjectDelete, "projects"), projectHandler.Delete)

	return r
}

func apiPrefix(prefix string) string {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}
