package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	dbinit "pasarguard/plane/db/init"
)

// Health 客户端健康状态（廉价、非阻塞读取）
type Health int32

const (
	HealthInvalid Health = iota // 已被替换，不应再使用
	HealthHealthy
	HealthBroken
	HealthNotConnected
)

// String 健康状态文本
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthBroken:
		return "broken"
	case HealthNotConnected:
		return "not-connected"
	default:
		return "invalid"
	}
}

// ErrorKind 远程调用错误类别
type ErrorKind string

const (
	ErrUnreachable   ErrorKind = "unreachable"
	ErrAuth          ErrorKind = "auth"
	ErrRemote        ErrorKind = "remote-error"
	ErrInvalidConfig ErrorKind = "invalid-config"
	ErrTimeout       ErrorKind = "timeout"
)

// ClientError 节点调用错误
type ClientError struct {
	Kind ErrorKind
	Code int // 远端返回码（仅 remote-error 有意义）
	Msg  string
	Err  error
}

func (e *ClientError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("node %s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("node %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("node %s", e.Kind)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// IsFatal 认证失败或终止性返回码（code <= 0）需要人工或计划性重连
func (e *ClientError) IsFatal() bool {
	return e.Kind == ErrAuth || (e.Kind == ErrRemote && e.Code <= 0)
}

// StatKind 统计类别
type StatKind string

const (
	StatUsers     StatKind = "users"     // 按用户计数器
	StatOutbounds StatKind = "outbounds" // 按出站计数器
)

// 计数器方向
const (
	LinkUplink   = "uplink"
	LinkDownlink = "downlink"
)

// StatEntry 一条计数器读数。
// 按用户时 Name 形如 "<uid>.<user>.<protocol>.<direction>"；
// 按出站时 Name 形如 "<tag>.<direction>"，Link 为 uplink/downlink。
type StatEntry struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
	Link  string `json:"link,omitempty"`
}

// UserPayload 下发给节点的用户记录。
// Name 为 ID 限定名 "<id>.<username>"；Inbounds 为空表示把该用户从所有入站移除。
type UserPayload struct {
	Name     string          `json:"name"`
	Proxies  json.RawMessage `json:"proxies"`
	Inbounds []string        `json:"inbounds"`
}

// Version 节点上报的版本信息
type Version struct {
	NodeVersion string `json:"node_version"`
	CoreVersion string `json:"core_version"`
}

// SystemStats 节点系统指标（仅管理接口使用）
type SystemStats struct {
	MemTotal         uint64  `json:"mem_total"`
	MemUsed          uint64  `json:"mem_used"`
	CPUCores         int     `json:"cpu_cores"`
	CPUUsage         float64 `json:"cpu_usage"`
	IncomingBandwidth uint64 `json:"incoming_bandwidth"`
	OutgoingBandwidth uint64 `json:"outgoing_bandwidth"`
}

// Client 一个远程工作节点。
// 核心在单次调用内从不重试；重试纪律由健康巡检负责。
type Client interface {
	// NodeID 节点ID
	NodeID() int64
	// Coefficient 节点流量系数（采集侧带元数据）
	Coefficient() float64
	// Start 下发配置与初始用户集并启动节点
	Start(ctx context.Context, config []byte, users []UserPayload, keepAlive int, exclude []string) (*Version, error)
	// Stop 停止节点（幂等）
	Stop() error
	// UpdateUser 推送一条用户变更（同一客户端内保证FIFO）
	UpdateUser(ctx context.Context, user UserPayload) error
	// SyncUsers 全量替换用户集；flushQueue 时先丢弃在途的增量更新
	SyncUsers(ctx context.Context, users []UserPayload, flushQueue bool) error
	// GetStats 拉取计数器；reset 时远端原子清零
	GetStats(ctx context.Context, kind StatKind, reset bool, timeout time.Duration) ([]StatEntry, error)
	// GetHealth 当前健康状态（非阻塞）
	GetHealth() Health
	// SetHealth 巡检专用：替换前标记 invalid
	SetHealth(h Health)
	// GetSystemStats 系统指标（管理接口用）
	GetSystemStats(ctx context.Context) (*SystemStats, error)
	// GetLogs 节点日志流（管理接口用）
	GetLogs(ctx context.Context) (<-chan string, error)
}

// New 按节点的连接方式创建客户端
func New(n *dbinit.Node) Client {
	switch n.ConnectionType {
	case "rest":
		return newRESTClient(n)
	default:
		return newWSClient(n)
	}
}

// health 各传输实现共享的健康状态存储
type health struct {
	v atomic.Int32
}

func (h *health) get() Health {
	return Health(h.v.Load())
}

func (h *health) set(value Health) {
	h.v.Store(int32(value))
}
