package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"pasarguard/plane/db"
	"pasarguard/plane/internal/config"
	"pasarguard/plane/internal/core"
	"pasarguard/plane/internal/node"
	"pasarguard/plane/pkg/logger"

	"go.uber.org/zap"
)

// App 管理接口的依赖集合
type App struct {
	Config     *config.Config
	DB         *db.Manager
	Registry   *node.Registry
	Configs    *core.ConfigStore
	Supervisor *core.HealthSupervisor
	Broadcast  *core.FleetBroadcaster
}

// Server 管理接口HTTP服务器
type Server struct {
	app        *App
	httpServer *http.Server
}

// NewServer 创建管理接口服务器
func NewServer(app *App) *Server {
	router := SetupRouter(app)

	return &Server{
		app: app,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", app.Config.Server.Host, app.Config.Server.Port),
			Handler:      router,
			ReadTimeout:  time.Duration(app.Config.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(app.Config.Server.WriteTimeout) * time.Second,
		},
	}
}

// Start 启动HTTP服务器
func (s *Server) Start() {
	go func() {
		logger.Info("管理接口已启动", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("管理接口启动失败", zap.Error(err))
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
