package core

import (
	"context"
	"sync"
	"time"

	dbinit "pasarguard/plane/db/init"
	"pasarguard/plane/internal/metrics"
	"pasarguard/plane/internal/node"
	"pasarguard/plane/pkg/logger"

	"go.uber.org/zap"
)

// clientSource 广播目标来源
type clientSource interface {
	Healthy() []node.Client
}

// FleetBroadcaster 把用户变更扇出到全部健康节点。
// 单节点失败只记录，从不中断对其余节点的投递。
type FleetBroadcaster struct {
	registry  clientSource
	projector *UserProjector

	timeout time.Duration
}

// NewFleetBroadcaster 创建广播器
func NewFleetBroadcaster(registry clientSource, projector *UserProjector, timeout time.Duration) *FleetBroadcaster {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FleetBroadcaster{
		registry:  registry,
		projector: projector,
		timeout:   timeout,
	}
}

// UpdateUser 把一个用户的当前投影推送到全部健康节点
func (b *FleetBroadcaster) UpdateUser(ctx context.Context, user *dbinit.User) {
	b.fanOut(ctx, b.projector.Payload(user))
}

// RemoveUser 把用户从全部健康节点的所有入站移除
func (b *FleetBroadcaster) RemoveUser(ctx context.Context, user *dbinit.User) {
	b.fanOut(ctx, b.projector.RemovalPayload(user))
}

// UpdateUsers 批量推送，同一客户端内保持切片顺序
func (b *FleetBroadcaster) UpdateUsers(ctx context.Context, users []*dbinit.User) {
	payloads := make([]node.UserPayload, 0, len(users))
	for _, user := range users {
		payloads = append(payloads, b.projector.Payload(user))
	}

	clients := b.registry.Healthy()
	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(c node.Client) {
			defer wg.Done()
			for _, payload := range payloads {
				b.push(ctx, c, payload)
			}
		}(client)
	}
	wg.Wait()
}

// fanOut 并行推送单个载荷到全部健康节点
func (b *FleetBroadcaster) fanOut(ctx context.Context, payload node.UserPayload) {
	clients := b.registry.Healthy()

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(c node.Client) {
			defer wg.Done()
			b.push(ctx, c, payload)
		}(client)
	}
	wg.Wait()
}

// push 向单个客户端投递，失败记录日志并吞掉
func (b *FleetBroadcaster) push(ctx context.Context, c node.Client, payload node.UserPayload) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := c.UpdateUser(callCtx, payload); err != nil {
		metrics.BroadcastErrors.Inc()
		logger.Warn("用户变更推送失败",
			zap.Int64("nodeID", c.NodeID()),
			zap.String("user", payload.Name),
			zap.Error(err))
	}
}
