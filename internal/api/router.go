package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 设置路由
func SetupRouter(app *App) *gin.Engine {
	if app.Config.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// 全局中间件
	router.Use(Recovery())
	router.Use(Logger())
	router.Use(CORS())

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"nodes":  app.Registry.Len(),
			"cache":  app.DB.HasCache(),
		})
	})

	// Prometheus 监控指标
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1
	v1 := router.Group("/api/v1")
	{
		authHandler := NewAuthHandler(app)
		v1.POST("/auth/login", authHandler.Login)

		// 需要JWT认证的路由
		authorized := v1.Group("")
		authorized.Use(JWTAuth(app.Config.Auth.JWTSecret))
		{
			nodes := authorized.Group("/nodes")
			{
				nodeHandler := NewNodeHandler(app)
				nodes.GET("", nodeHandler.List)
				nodes.POST("", nodeHandler.Create)
				nodes.POST("/reconnect", nodeHandler.ReconnectAll)
				nodes.GET("/:id", nodeHandler.Get)
				nodes.PUT("/:id", nodeHandler.Update)
				nodes.DELETE("/:id", nodeHandler.Delete)
				nodes.POST("/:id/reconnect", nodeHandler.Reconnect)
				nodes.GET("/:id/system", nodeHandler.SystemStats)
				nodes.GET("/:id/logs", nodeHandler.Logs)
				nodes.GET("/:id/online", nodeHandler.Online)
			}

			configs := authorized.Group("/configs")
			{
				configHandler := NewConfigHandler(app)
				configs.GET("", configHandler.List)
				configs.POST("", configHandler.Create)
				configs.GET("/:id", configHandler.Get)
				configs.PUT("/:id", configHandler.Update)
				configs.DELETE("/:id", configHandler.Delete)
			}

			usage := authorized.Group("/usage")
			{
				usageHandler := NewUsageHandler(app)
				usage.GET("/system", usageHandler.System)
				usage.GET("/nodes", usageHandler.Nodes)
				usage.GET("/users/:id", usageHandler.User)
			}
		}
	}

	return router
}
