package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache Redis缓存客户端
type RedisCache struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisCache 创建新的Redis缓存客户端
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx := context.Background()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ctx:    ctx,
	}, nil
}

// Close 关闭Redis连接
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// === 节点状态镜像 ===

// NodeStatusEntry 节点实时状态（巡检写入，面板读取）
type NodeStatusEntry struct {
	NodeID      int64     `json:"node_id"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	XrayVersion string    `json:"xray_version,omitempty"`
	NodeVersion string    `json:"node_version,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

// SetNodeStatus 写入节点实时状态
func (r *RedisCache) SetNodeStatus(entry *NodeStatusEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal node status: %w", err)
	}

	key := fmt.Sprintf("node:status:%d", entry.NodeID)
	return r.client.Set(r.ctx, key, data, 5*time.Minute).Err()
}

// GetNodeStatus 读取节点实时状态
func (r *RedisCache) GetNodeStatus(nodeID int64) (*NodeStatusEntry, error) {
	key := fmt.Sprintf("node:status:%d", nodeID)
	data, err := r.client.Get(r.ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry := &NodeStatusEntry{}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node status: %w", err)
	}

	return entry, nil
}

// === 在线用户快照 ===

// SetOnlineUsers 写入某节点本轮采集到的在线用户ID
func (r *RedisCache) SetOnlineUsers(nodeID int64, userIDs []int64) error {
	data, err := json.Marshal(userIDs)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("node:online:%d", nodeID)
	return r.client.Set(r.ctx, key, data, time.Minute).Err()
}

// GetOnlineUsers 读取某节点的在线用户ID
func (r *RedisCache) GetOnlineUsers(nodeID int64) ([]int64, error) {
	key := fmt.Sprintf("node:online:%d", nodeID)
	data, err := r.client.Get(r.ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var userIDs []int64
	if err := json.Unmarshal(data, &userIDs); err != nil {
		return nil, err
	}

	return userIDs, nil
}

// === 实时流量缓存 ===

// IncrementTraffic 累加节点流量（原子操作）
func (r *RedisCache) IncrementTraffic(nodeID int64, uplink, downlink int64) error {
	pipe := r.client.Pipeline()

	keyUp := fmt.Sprintf("traffic:%d:up", nodeID)
	keyDown := fmt.Sprintf("traffic:%d:down", nodeID)

	pipe.IncrBy(r.ctx, keyUp, uplink)
	pipe.IncrBy(r.ctx, keyDown, downlink)
	pipe.Expire(r.ctx, keyUp, time.Hour)
	pipe.Expire(r.ctx, keyDown, time.Hour)

	_, err := pipe.Exec(r.ctx)
	return err
}

// GetTraffic 读取节点实时流量
func (r *RedisCache) GetTraffic(nodeID int64) (uplink, downlink int64, err error) {
	pipe := r.client.Pipeline()
	cmdUp := pipe.Get(r.ctx, fmt.Sprintf("traffic:%d:up", nodeID))
	cmdDown := pipe.Get(r.ctx, fmt.Sprintf("traffic:%d:down", nodeID))

	_, err = pipe.Exec(r.ctx)
	if err != nil && err != redis.Nil {
		return 0, 0, err
	}

	uplink, _ = cmdUp.Int64()
	downlink, _ = cmdDown.Int64()

	return uplink, downlink, nil
}

// === 通用缓存操作 ===

// Set 设置缓存
func (r *RedisCache) Set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(r.ctx, key, data, ttl).Err()
}

// Get 获取缓存
func (r *RedisCache) Get(key string, dest interface{}) error {
	data, err := r.client.Get(r.ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}

// Delete 删除缓存
func (r *RedisCache) Delete(key string) error {
	return r.client.Del(r.ctx, key).Err()
}
