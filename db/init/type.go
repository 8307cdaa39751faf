package init

import (
	"encoding/json"
	"time"
)

// 节点状态
const (
	NodeDisconnected = "disconnected"
	NodeConnecting   = "connecting"
	NodeConnected    = "connected"
	NodeBroken       = "broken"
	NodeDisabled     = "disabled"
)

// 用户状态
const (
	UserActive   = "active"
	UserOnHold   = "on_hold"
	UserLimited  = "limited"
	UserExpired  = "expired"
	UserDisabled = "disabled"
)

// 提醒类型
const (
	ReminderUsagePercent = "usage_percent"
	ReminderDaysLeft     = "days_left"
)

// Node 工作节点
type Node struct {
	ID               int64     `json:"id" db:"id"`                                 // 节点唯一ID
	Name             string    `json:"name" db:"name"`                             // 节点名称
	Address          string    `json:"address" db:"address"`                       // 节点地址
	Port             int       `json:"port" db:"port"`                             // 节点端口
	ConnectionType   string    `json:"connection_type" db:"connection_type"`       // 连接方式: ws(流式)/rest(请求响应)
	Coefficient      float64   `json:"coefficient" db:"coefficient"`               // 流量系数(>0，默认1.0)
	ConfigID         int64     `json:"config_id" db:"config_id"`                   // 关联的工作配置ID
	Token            string    `json:"-" db:"token"`                               // 节点认证令牌
	KeepAlive        int       `json:"keep_alive" db:"keep_alive"`                 // keep-alive（秒）
	LogCapacity      int       `json:"log_capacity" db:"log_capacity"`             // 日志缓冲容量
	Enabled          bool      `json:"enabled" db:"enabled"`                       // 是否启用
	Status           string    `json:"status" db:"status"`                         // 观测状态
	Message          string    `json:"message" db:"message"`                       // 最后一次错误信息
	LastStatusChange time.Time `json:"last_status_change" db:"last_status_change"` // 最后状态变更时间
	XrayVersion      string    `json:"xray_version" db:"xray_version"`             // 上报的核心版本
	NodeVersion      string    `json:"node_version" db:"node_version"`             // 上报的节点版本
	CreatedAt        time.Time `json:"created_at" db:"created_at"`                 // 创建时间
}

// WorkerConfig 工作配置（对核心而言是不透明的字节）
type WorkerConfig struct {
	ID        int64     `json:"id" db:"id"`                 // 配置ID
	Name      string    `json:"name" db:"name"`             // 配置名称
	Content   []byte    `json:"content" db:"content"`       // 配置内容
	Exclude   string    `json:"exclude" db:"exclude"`       // 排除的入站标签（JSON数组）
	Fallbacks string    `json:"fallbacks" db:"fallbacks"`   // 回落入站标签（JSON数组）
	CreatedAt time.Time `json:"created_at" db:"created_at"` // 创建时间
}

// ExcludeTags 解析排除标签
func (c *WorkerConfig) ExcludeTags() []string {
	return parseTags(c.Exclude)
}

// FallbackTags 解析回落标签
func (c *WorkerConfig) FallbackTags() []string {
	return parseTags(c.Fallbacks)
}

// Group 用户组
type Group struct {
	ID          int64  `json:"id" db:"id"`                     // 组ID
	Name        string `json:"name" db:"name"`                 // 组名称
	Disabled    bool   `json:"disabled" db:"disabled"`         // 是否停用
	InboundTags string `json:"inbound_tags" db:"inbound_tags"` // 授予的入站标签（JSON数组）
}

// Tags 解析授予的入站标签
func (g *Group) Tags() []string {
	return parseTags(g.InboundTags)
}

// User 用户
type User struct {
	ID                   int64      `json:"id" db:"id"`                                     // 用户ID
	Username             string     `json:"username" db:"username"`                         // 用户名（大小写敏感，唯一）
	Proxies              string     `json:"proxies" db:"proxies"`                           // 各协议密钥（JSON，对核心不透明）
	Status               string     `json:"status" db:"status"`                             // 状态
	Expire               *time.Time `json:"expire" db:"expire"`                             // 绝对过期时间
	DataLimit            int64      `json:"data_limit" db:"data_limit"`                     // 流量上限（字节，0=不限）
	UsedTraffic          int64      `json:"used_traffic" db:"used_traffic"`                 // 已用流量（字节）
	LastStatusChange     time.Time  `json:"last_status_change" db:"last_status_change"`     // 最后状态变更时间
	OnlineAt             *time.Time `json:"online_at" db:"online_at"`                       // 最后在线时间
	EditedAt             time.Time  `json:"edited_at" db:"edited_at"`                       // 最后编辑时间
	OnHoldExpireDuration int64      `json:"on_hold_expire_duration" db:"on_hold_expire_duration"` // 激活后有效时长（秒）
	OnHoldTimeout        *time.Time `json:"on_hold_timeout" db:"on_hold_timeout"`           // on-hold 截止时间
	AdminID              int64      `json:"admin_id" db:"admin_id"`                         // 所属管理员ID
	Groups               []*Group   `json:"groups" db:"-"`                                  // 所属用户组
	NextPlan             *NextPlan  `json:"next_plan" db:"-"`                               // 下一套餐（可选）
}

// IsExpired 过期时间已设置且已过
func (u *User) IsExpired(now time.Time) bool {
	return u.Expire != nil && !u.Expire.IsZero() && now.After(*u.Expire)
}

// IsLimited 流量上限已设置且已用尽
func (u *User) IsLimited() bool {
	return u.DataLimit > 0 && u.UsedTraffic >= u.DataLimit
}

// BecomeOnline on-hold 用户已出现在线行为，或 on-hold 截止时间已过
func (u *User) BecomeOnline(now time.Time) bool {
	if u.OnlineAt != nil && !u.OnlineAt.Before(u.EditedAt) {
		return true
	}
	if u.OnHoldTimeout != nil && now.After(*u.OnHoldTimeout) {
		return true
	}
	return false
}

// UsagePercent 已用流量百分比（无上限时为0）
func (u *User) UsagePercent() int {
	if u.DataLimit <= 0 {
		return 0
	}
	return int(u.UsedTraffic * 100 / u.DataLimit)
}

// DaysLeft 距过期剩余天数（未设置过期时为 -1）
func (u *User) DaysLeft(now time.Time) int {
	if u.Expire == nil || u.Expire.IsZero() {
		return -1
	}
	left := u.Expire.Sub(now)
	if left < 0 {
		return 0
	}
	return int(left.Hours() / 24)
}

// NextPlan 用户的下一套餐
type NextPlan struct {
	UserID              int64  `json:"user_id" db:"user_id"`                             // 用户ID
	DataLimit           int64  `json:"data_limit" db:"data_limit"`                       // 新流量上限（字节）
	ExpireDuration      int64  `json:"expire_duration" db:"expire_duration"`             // 新有效时长（秒，0=保持不变）
	GroupIDs            string `json:"group_ids" db:"group_ids"`                         // 重绑的组ID（JSON数组，空=不变）
	AddRemainingTraffic bool   `json:"add_remaining_traffic" db:"add_remaining_traffic"` // 是否叠加剩余流量
}

// Admin 管理员
type Admin struct {
	ID         int64  `json:"id" db:"id"`                   // 管理员ID
	Username   string `json:"username" db:"username"`       // 用户名
	Password   string `json:"-" db:"password"`              // bcrypt 密码哈希
	UsersUsage int64  `json:"users_usage" db:"users_usage"` // 名下用户累计流量（字节）
}

// NodeUserUsage 按 (小时, 用户, 节点) 的流量明细
type NodeUserUsage struct {
	CreatedAt   time.Time `json:"created_at" db:"created_at"` // 小时截断时间戳
	UserID      int64     `json:"user_id" db:"user_id"`
	NodeID      int64     `json:"node_id" db:"node_id"`
	UsedTraffic int64     `json:"used_traffic" db:"used_traffic"`
}

// NodeUsage 按 (小时, 节点) 的出站流量
type NodeUsage struct {
	CreatedAt time.Time `json:"created_at" db:"created_at"` // 小时截断时间戳
	NodeID    int64     `json:"node_id" db:"node_id"`
	Uplink    int64     `json:"uplink" db:"uplink"`
	Downlink  int64     `json:"downlink" db:"downlink"`
}

// SystemUsage 全局流量累计（单行）
type SystemUsage struct {
	Uplink   int64 `json:"uplink" db:"uplink"`
	Downlink int64 `json:"downlink" db:"downlink"`
}

// NotificationReminder 通知幂等标记
type NotificationReminder struct {
	ID        int64     `json:"id" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Type      string    `json:"type" db:"type"`           // usage_percent / days_left
	Threshold int       `json:"threshold" db:"threshold"` // 阈值
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// parseTags 解析JSON数组形式的标签列表
func parseTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}
