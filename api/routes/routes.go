package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/shadowtwin/api/handlers"
	"github.com/feichai0017/shadowtwin/api/middleware"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, origins []string, log logger.Logger) {
	// 全局中间件
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log.Named("http")))
	r.Use(middleware.CORS(origins))

	// 健康检查
	r.GET("/health", h.Health.Health)
	r.GET("/metrics", h.Health.Metrics)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.Identity())

	// 任务路由组
	jobs := v1.Group("/jobs")
	{
		// worker 回调使用 job secret 认证, 不需要用户身份
		jobs.POST("/:jobId", h.Job.Callback)
		jobs.GET("/stream", middleware.RequireIdentity(), h.Job.Stream)
		jobs.GET("/:jobId", middleware.RequireIdentity(), h.Job.GetStatus)
	}

	// 源文件路由组
	sources := v1.Group("/sources", middleware.RequireIdentity())
	{
		sources.POST("/normalize", h.Source.Normalize)
	}
}
