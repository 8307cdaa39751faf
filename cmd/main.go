package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pasarguard/plane/db"
	"pasarguard/plane/internal/api"
	"pasarguard/plane/internal/config"
	"pasarguard/plane/internal/core"
	"pasarguard/plane/internal/node"
	"pasarguard/plane/internal/notify"
	"pasarguard/plane/pkg/logger"

	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "./config.yaml", "Path to config file")
	port       = flag.Int("port", 0, "Override server port")
)

func main() {
	flag.Parse()

	cfg := config.LoadConfigOrDefault(*configPath)
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if err := logger.Init(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		log.Fatalf("初始化日志系统失败: %v", err)
	}
	defer logger.Sync()

	printBanner()

	dbManager, err := db.NewManager(&db.Config{
		SQLitePath:    cfg.Database.SQLitePath,
		RedisAddr:     cfg.Database.RedisAddr,
		RedisPassword: cfg.Database.RedisPassword,
		RedisDB:       cfg.Database.RedisDB,
	})
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer dbManager.Close()

	store := dbManager.DB

	// 配置缓存预热
	configStore := core.NewConfigStore(store)
	if err := configStore.LoadAll(); err != nil {
		logger.Fatal("加载工作配置失败", zap.Error(err))
	}

	registry := node.NewRegistry()
	projector := core.NewUserProjector(configStore)
	broadcaster := core.NewFleetBroadcaster(registry, projector,
		time.Duration(cfg.Fleet.StatsTimeout)*time.Second)

	// 事件总线与回调
	bus := core.NewEventBus(cfg.Fleet.EventBusCapacity)
	if notifier := notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret,
		time.Duration(cfg.Notify.Timeout)*time.Second); notifier != nil {
		bus.Subscribe(notifier.Sink())
	}

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	go bus.Run(busCtx)

	// 缓存镜像（可选）
	var statusMirror core.StatusMirror
	var trafficMirror core.UsageMirror
	if dbManager.HasCache() {
		statusMirror = dbManager.Cache
		trafficMirror = dbManager.Cache
	}

	supervisor := core.NewHealthSupervisor(store, registry, configStore, projector, bus,
		statusMirror, core.SupervisorOptions{
			Interval:     time.Duration(cfg.Fleet.HealthInterval) * time.Second,
			ProbeTimeout: time.Duration(cfg.Fleet.ProbeTimeout) * time.Second,
			StartTimeout: time.Duration(cfg.Fleet.StartTimeout) * time.Second,
			KeepAlive:    cfg.Fleet.KeepAlive,
		})
	supervisor.Start()
	defer supervisor.Stop()

	collector := core.NewUsageCollector(store, registry, trafficMirror,
		core.CollectorOptions{
			UserInterval:    time.Duration(cfg.Fleet.UserUsageInterval) * time.Second,
			NodeInterval:    time.Duration(cfg.Fleet.NodeUsageInterval) * time.Second,
			StatsTimeout:    time.Duration(cfg.Fleet.StatsTimeout) * time.Second,
			RecordNodeUsage: cfg.Fleet.RecordNodeUsage,
		})
	collector.Start()
	defer collector.Stop()

	reviewer := core.NewUserReviewer(store, broadcaster, bus, core.ReviewerOptions{
		Interval:           time.Duration(cfg.Fleet.ReviewInterval) * time.Second,
		UsagePercentNotify: cfg.Fleet.UsagePercentNotify,
		DaysLeftNotify:     cfg.Fleet.DaysLeftNotify,
	})
	reviewer.Start()
	defer reviewer.Stop()

	// 管理接口
	server := api.NewServer(&api.App{
		Config:     cfg,
		DB:         dbManager,
		Registry:   registry,
		Configs:    configStore,
		Supervisor: supervisor,
		Broadcast:  broadcaster,
	})
	server.Start()

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("收到退出信号，开始关闭")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("管理接口关闭失败", zap.Error(err))
	}

	registry.Shutdown(10 * time.Second)
	logger.Info("已退出")
}

func printBanner() {
	fmt.Print(`
  ____  _
 |  _ \| | __ _ _ __   ___
 | |_) | |/ _' | '_ \ / _ \
 |  __/| | (_| | | | |  __/
 |_|   |_|\__,_|_| |_|\___|  node fleet controller

`)
}
