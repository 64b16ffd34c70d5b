package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/forgeline/forgeline-backend/internal/http/handlers"
	httpMW "github.com/forgeline/forgeline-backend/internal/http/middleware"
)

type RouterConfig struct {
	Mode           string
	AllowedOrigins string

	GenerationHandler *httpH.GenerationHandler
	JobHandler        *httpH.JobHandler
	HealthHandler     *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Mode == "prod" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.Use(httpMW.CORS(cfg.AllowedOrigins))

	api := r.Group("/api")
	{
		if cfg.HealthHandler != nil {
			api.GET("/health", cfg.HealthHandler.HealthCheck)
		}
		if cfg.GenerationHandler != nil {
			api.POST("/generations", cfg.GenerationHandler.Create)
			api.GET("/generations/:id", cfg.GenerationHandler.Get)
			api.POST("/generations/:id/cancel", cfg.GenerationHandler.Cancel)
		}
		if cfg.JobHandler != nil {
			api.POST("/admin/jobs/:id/retry", cfg.JobHandler.Retry)
		}
	}
	return r
}
