package db

import (
	"errors"

	"pasarguard/plane/db/cache"
	"pasarguard/plane/db/sqlite"
	"pasarguard/plane/pkg/logger"

	"go.uber.org/zap"
)

// Manager 持久层入口：SQLite 为系统记录，Redis 镜像可选
type Manager struct {
	DB    *sqlite.SQLiteDB
	Cache *cache.RedisCache
}

// Config 持久层配置
type Config struct {
	SQLitePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// NewManager 打开持久层。Redis 连接失败只告警，系统降级运行。
func NewManager(cfg *Config) (*Manager, error) {
	sqliteDB, err := sqlite.NewSQLiteDB(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	logger.Info("SQLite已就绪", zap.String("path", cfg.SQLitePath))

	m := &Manager{DB: sqliteDB}

	redisCache, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Warn("Redis连接失败，镜像功能停用", zap.Error(err))
		return m, nil
	}
	logger.Info("Redis已连接", zap.String("addr", cfg.RedisAddr))
	m.Cache = redisCache

	return m, nil
}

// Close 关闭持久层连接
func (m *Manager) Close() error {
	var errs []error

	if m.DB != nil {
		if err := m.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.Cache != nil {
		if err := m.Cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// HasCache Redis 镜像是否可用
func (m *Manager) HasCache() bool {
	return m.Cache != nil
}
