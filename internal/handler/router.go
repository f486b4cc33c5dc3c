package handler

import (
	"net/http"

	"github.com/GoPolymarket/batchgate/internal/config"
	"github.com/GoPolymarket/batchgate/internal/middleware"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	Config      *config.Config
	Directory   *service.PrincipalDirectory
	Engine      *service.Engine
	Tracker     *service.BatchTracker
	Audit       *service.AuditService
	Idempotency middleware.IdempotencyStore
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestContext())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "batchgate"})
	})
	if d.Config.Metrics.Enabled {
		r.GET(d.Config.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	exports := NewExportHandler(d.Engine)
	batches := NewBatchHandler(d.Engine, d.Tracker)
	audit := NewAuditHandler(d.Audit)
	idem := middleware.IdempotencyMiddleware(d.Idempotency)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(d.Directory))
	v1.Use(middleware.RateLimitMiddleware(d.Directory))
	{
		v1.POST("/exports", idem, exports.Create)
		v1.GET("/downloads/:token", exports.Download)
		v1.POST("/batches", idem, batches.Submit)
		v1.GET("/batches", batches.List)
		v1.GET("/batches/:id", batches.Get)
		v1.DELETE("/batches/:id", batches.Cancel)
		v1.GET("/batches/:id/stream", batches.Stream)
	}

	admin := r.Group("/v1/admin")
	admin.Use(middleware.AdminMiddleware(d.Config))
	{
		admin.GET("/audit", audit.List)
	}

	return r
}
