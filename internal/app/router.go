package app

import (
	"edu_struggle_engine/docs"
	"edu_struggle_engine/internal/config"
	"edu_struggle_engine/internal/middleware"
	"edu_struggle_engine/internal/model"

	"edu_struggle_engine/pkg/monitoring"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, repos *repositories, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/api"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
		public.POST("/register", c.auth.Register)
		public.POST("/login", c.auth.Login)
	}

	// 2. 埋点通道：请求本身经 HMAC 签名与同意校验，不走 JWT
	ingest := router.Group("/api")
	{
		ingest.POST("/signals", c.signal.Submit)
		ingest.POST("/sessions/:sessionId/close", c.signal.CloseSession)
		ingest.POST("/interventions/:id/response", c.intervention.RecordResponse)
	}

	// 3. 平台同意服务回调
	router.POST("/api/consent/webhook", c.consent.Webhook)

	// 4. 讲师仪表盘接口
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg), middleware.ActivityMiddleware(repos.user))
	{
		authGroup.GET("/profile", c.auth.GetProfile)

		instructor := authGroup.Group("")
		instructor.Use(middleware.RoleMiddleware(model.Instructor))
		{
			instructor.GET("/alerts", c.alert.List)
			instructor.PUT("/alerts/:id/status", c.alert.UpdateStatus)
			instructor.GET("/alerts/feed", c.alert.Feed)
			instructor.GET("/students/:userId/interventions", c.intervention.ListByUser)
			instructor.GET("/sessions/:sessionId/features", c.signal.SessionFeatures)
		}
	}
}
