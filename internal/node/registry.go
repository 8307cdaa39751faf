package node

import (
	"sync"
	"time"

	"pasarguard/plane/pkg/logger"

	"go.uber.org/zap"
)

// Registry 节点客户端注册表。
// 任意时刻一个节点ID至多绑定一个客户端。
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]Client
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[int64]Client),
	}
}

// Put 注册客户端。旧客户端先标记 invalid 并停止，
// 之后新客户端才对读取方可见；停止错误记录日志后吞掉。
func (r *Registry) Put(client Client) {
	id := client.NodeID()

	r.mu.Lock()
	old := r.clients[id]
	if old != nil {
		old.SetHealth(HealthInvalid)
		if err := old.Stop(); err != nil {
			logger.Warn("旧客户端停止失败",
				zap.Int64("nodeID", id),
				zap.Error(err))
		}
	}
	r.clients[id] = client
	r.mu.Unlock()
}

// Remove 注销并停止客户端
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	client := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()

	if client != nil {
		client.SetHealth(HealthInvalid)
		if err := client.Stop(); err != nil {
			logger.Warn("客户端停止失败",
				zap.Int64("nodeID", id),
				zap.Error(err))
		}
	}
}

// Get 按节点ID取客户端，不存在返回 nil
func (r *Registry) Get(id int64) Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// All 当前全部客户端的快照
func (r *Registry) All() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Healthy 当前健康客户端的快照
func (r *Registry) Healthy() []Client {
	return r.Filter(HealthHealthy)
}

// Broken 当前故障客户端的快照
func (r *Registry) Broken() []Client {
	return r.Filter(HealthBroken)
}

// Filter 按健康状态筛选客户端
func (r *Registry) Filter(h Health) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.GetHealth() == h {
			out = append(out, c)
		}
	}
	return out
}

// IDs 当前已注册的节点ID快照
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int64, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}

// Len 已注册客户端数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Shutdown 并行停止全部客户端，超过宽限期不再等待
func (r *Registry) Shutdown(grace time.Duration) {
	r.mu.Lock()
	clients := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[int64]Client)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c Client) {
			defer wg.Done()
			c.SetHealth(HealthInvalid)
			if err := c.Stop(); err != nil {
				logger.Warn("关闭时停止客户端失败",
					zap.Int64("nodeID", c.NodeID()),
					zap.Error(err))
			}
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		logger.Warn("节点客户端关闭超时", zap.Duration("grace", grace))
	}
}
