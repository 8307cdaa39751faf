package core

import (
	"encoding/json"
	"fmt"
	"sync"

	dbinit "pasarguard/plane/db/init"
	"pasarguard/plane/pkg/logger"

	"go.uber.org/zap"
)

// workerConfigStore 配置存储层的最小依赖
type workerConfigStore interface {
	GetWorkerConfig(id int64) (*dbinit.WorkerConfig, error)
	ListWorkerConfigs() ([]*dbinit.WorkerConfig, error)
}

// ConfigEntry 已校验的工作配置
type ConfigEntry struct {
	Config   *dbinit.WorkerConfig
	Inbounds []string // 可用入站标签（已去除排除项）
}

// ConfigStore 工作配置缓存。
// 配置内容对控制面不透明，只解析入站标签用于投影。
type ConfigStore struct {
	store workerConfigStore

	mu      sync.RWMutex
	entries map[int64]*ConfigEntry
}

// NewConfigStore 创建配置缓存
func NewConfigStore(store workerConfigStore) *ConfigStore {
	return &ConfigStore{
		store:   store,
		entries: make(map[int64]*ConfigEntry),
	}
}

// inboundTags 从配置内容中提取入站标签
func inboundTags(content []byte) ([]string, error) {
	var doc struct {
		Inbounds []struct {
			Tag string `json:"tag"`
		} `json:"inbounds"`
	}
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("config is not valid JSON: %w", err)
	}

	tags := make([]string, 0, len(doc.Inbounds))
	seen := make(map[string]struct{}, len(doc.Inbounds))
	for _, in := range doc.Inbounds {
		if in.Tag == "" {
			continue
		}
		if _, dup := seen[in.Tag]; dup {
			return nil, fmt.Errorf("duplicate inbound tag %q", in.Tag)
		}
		seen[in.Tag] = struct{}{}
		tags = append(tags, in.Tag)
	}
	return tags, nil
}

// ValidateWorkerConfig 校验配置：内容可解析，排除与回落标签都指向已声明的入站
func ValidateWorkerConfig(cfg *dbinit.WorkerConfig) ([]string, error) {
	tags, err := inboundTags(cfg.Content)
	if err != nil {
		return nil, err
	}

	declared := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		declared[tag] = struct{}{}
	}

	for _, tag := range cfg.ExcludeTags() {
		if _, ok := declared[tag]; !ok {
			return nil, fmt.Errorf("exclude tag %q not declared in config", tag)
		}
	}
	for _, tag := range cfg.FallbackTags() {
		if _, ok := declared[tag]; !ok {
			return nil, fmt.Errorf("fallback tag %q not declared in config", tag)
		}
	}

	excluded := make(map[string]struct{})
	for _, tag := range cfg.ExcludeTags() {
		excluded[tag] = struct{}{}
	}
	for _, tag := range cfg.FallbackTags() {
		excluded[tag] = struct{}{}
	}

	usable := make([]string, 0, len(tags))
	for _, tag := range tags {
		if _, skip := excluded[tag]; skip {
			continue
		}
		usable = append(usable, tag)
	}
	return usable, nil
}

// Load 校验并缓存一份配置
func (s *ConfigStore) Load(cfg *dbinit.WorkerConfig) error {
	inbounds, err := ValidateWorkerConfig(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[cfg.ID] = &ConfigEntry{Config: cfg, Inbounds: inbounds}
	s.mu.Unlock()
	return nil
}

// LoadAll 预热：加载全部配置，校验失败的跳过并记录日志
func (s *ConfigStore) LoadAll() error {
	configs, err := s.store.ListWorkerConfigs()
	if err != nil {
		return err
	}

	for _, cfg := range configs {
		if err := s.Load(cfg); err != nil {
			logger.Warn("工作配置校验失败，已跳过",
				zap.Int64("configID", cfg.ID),
				zap.String("name", cfg.Name),
				zap.Error(err))
		}
	}
	return nil
}

// Get 按ID取配置，缓存未命中时回源加载
func (s *ConfigStore) Get(id int64) (*ConfigEntry, error) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}

	cfg, err := s.store.GetWorkerConfig(id)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("worker config %d not found", id)
	}

	if err := s.Load(cfg); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id], nil
}

// Invalidate 使单份配置缓存失效（配置变更后调用）
func (s *ConfigStore) Invalidate(id int64) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// ActiveInbounds 全部缓存配置可用入站标签的并集
func (s *ConfigStore) ActiveInbounds() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]struct{})
	for _, entry := range s.entries {
		for _, tag := range entry.Inbounds {
			out[tag] = struct{}{}
		}
	}
	return out
}

// HasInbound 标签是否在任一缓存配置中可用
func (s *ConfigStore) HasInbound(tag string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entry := range s.entries {
		for _, t := range entry.Inbounds {
			if t == tag {
				return true
			}
		}
	}
	return false
}
