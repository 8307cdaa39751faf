package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig 管理接口配置
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Mode         string `yaml:"mode"` // debug, release
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	JWTExpiration int    `yaml:"jwt_expiration"` // 单位：小时
}

// FleetConfig 节点舰队控制配置
type FleetConfig struct {
	UserUsageInterval  int  `yaml:"user_usage_interval"`  // 用户流量采集周期（秒）
	NodeUsageInterval  int  `yaml:"node_usage_interval"`  // 节点流量采集周期（秒）
	HealthInterval     int  `yaml:"health_interval"`      // 健康巡检周期（秒）
	ReviewInterval     int  `yaml:"review_interval"`      // 用户审查周期（秒）
	StatsTimeout       int  `yaml:"stats_timeout"`        // 拉取统计超时（秒）
	ProbeTimeout       int  `yaml:"probe_timeout"`        // 健康探测超时（秒）
	StartTimeout       int  `yaml:"start_timeout"`        // 节点启动超时（秒）
	KeepAlive          int  `yaml:"keep_alive"`           // 下发给节点的 keep-alive（秒）
	RecordNodeUsage    bool `yaml:"record_node_usage"`    // 是否记录按节点的小时明细
	EventBusCapacity   int  `yaml:"event_bus_capacity"`   // 事件总线容量
	UsagePercentNotify []int `yaml:"usage_percent_notify"` // 用量百分比通知阈值
	DaysLeftNotify     []int `yaml:"days_left_notify"`     // 剩余天数通知阈值
}

// NotifyConfig 通知配置
type NotifyConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
	Timeout       int    `yaml:"timeout"` // 单位：秒
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, console
	OutputPath string `yaml:"output_path"` // 日志文件路径
	MaxSize    int    `yaml:"max_size"`    // 单个日志文件大小(MB)
	MaxBackups int    `yaml:"max_backups"` // 保留的旧日志文件数量
	MaxAge     int    `yaml:"max_age"`     // 保留天数
	Compress   bool   `yaml:"compress"`    // 是否压缩
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfigOrDefault 加载配置或使用默认值
func LoadConfigOrDefault(path string) *Config {
	if path == "" {
		return DefaultConfig()
	}

	config, err := LoadConfig(path)
	if err != nil {
		fmt.Printf("Failed to load config: %v, using defaults\n", err)
		return DefaultConfig()
	}

	return config
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			Mode:         "release",
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Database: DatabaseConfig{
			SQLitePath:    "./data/plane.db",
			RedisAddr:     "localhost:6379",
			RedisPassword: "",
			RedisDB:       0,
		},
		Auth: AuthConfig{
			JWTSecret:     "change-this-secret-in-production",
			JWTExpiration: 24,
		},
		Fleet: FleetConfig{
			UserUsageInterval:  10,
			NodeUsageInterval:  30,
			HealthInterval:     10,
			ReviewInterval:     30,
			StatsTimeout:       30,
			ProbeTimeout:       10,
			StartTimeout:       60,
			KeepAlive:          20,
			RecordNodeUsage:    true,
			EventBusCapacity:   300,
			UsagePercentNotify: []int{80, 95},
			DaysLeftNotify:     []int{3, 7},
		},
		Notify: NotifyConfig{
			WebhookURL:    "",
			WebhookSecret: "",
			Timeout:       10,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "./logs/plane.log",
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
