package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/claimdocs-api/api/swagger"
	"github.com/noah-isme/claimdocs-api/internal/handler"
	"github.com/noah-isme/claimdocs-api/internal/middleware"
	"github.com/noah-isme/claimdocs-api/internal/models"
	"github.com/noah-isme/claimdocs-api/internal/service"
	"github.com/noah-isme/claimdocs-api/pkg/config"
	"github.com/noah-isme/claimdocs-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/claimdocs-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/claimdocs-api/pkg/middleware/requestid"
)

type routeHandlers struct {
	documents  *handler.DocumentHandler
	accessLogs *handler.AccessLogHandler
	rules      *handler.ValidationRuleHandler
	system     *handler.MetricsHandler
}

func newRouter(cfg *config.Config, logr *zap.Logger, metrics *service.MetricsService, tokens middleware.TokenValidator, h routeHandlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", h.system.Health)
	r.GET("/ready", h.system.Ready)
	r.GET("/metrics", h.system.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	staff := middleware.RequireRoles(models.RoleReviewer, models.RoleAdmin)
	admin := middleware.RequireRoles(models.RoleAdmin)

	// Link tokens carry their own signature and actor.
	r.GET(cfg.APIPrefix+"/downloads/:token", h.documents.DownloadByLink)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(tokens))
	{
		claims := api.Group("/claims/:claimId/documents")
		claims.POST("", h.documents.Upload)
		claims.GET("", h.documents.List)

		docs := api.Group("/documents/:id")
		docs.GET("", h.documents.Get)
		docs.GET("/content", h.documents.Download)
		docs.POST("/link", h.documents.CreateLink)
		docs.DELETE("", h.documents.Delete)
		docs.POST("/review", staff, h.documents.Review)
		docs.POST("/reupload-request", staff, h.documents.RequestReupload)
		docs.GET("/access-logs", staff, h.accessLogs.List)
		docs.GET("/access-logs/verify", admin, h.accessLogs.Verify)
		docs.GET("/access-logs/export", staff, h.accessLogs.Export)

		rules := api.Group("/validation-rules")
		rules.GET("", h.rules.List)
		rules.PUT("/:category", admin, h.rules.Upsert)
		rules.POST("/reload", admin, h.rules.Reload)
	}
	return r
}
