package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pasarguard/plane/db/cache"
	dbinit "pasarguard/plane/db/init"
	"pasarguard/plane/internal/metrics"
	"pasarguard/plane/internal/node"
	"pasarguard/plane/pkg/logger"

	"go.uber.org/zap"
)

// maxStatusMessage 持久化的错误信息长度上限
const maxStatusMessage = 1024

// fleetStore 巡检器的持久化依赖
type fleetStore interface {
	EnabledNodes() ([]*dbinit.Node, error)
	UpdateNodeStatus(id int64, status, message string, changedAt time.Time, xrayVersion, nodeVersion string) error
	UsersByStatus(statuses ...string) ([]*dbinit.User, error)
}

// StatusMirror 节点实时状态的缓存镜像（可选）
type StatusMirror interface {
	SetNodeStatus(entry *cache.NodeStatusEntry) error
}

// SupervisorOptions 巡检参数
type SupervisorOptions struct {
	Interval     time.Duration // 巡检周期
	ProbeTimeout time.Duration // 探测超时
	StartTimeout time.Duration // 节点启动超时
	KeepAlive    int           // 节点未配置时下发的 keep-alive（秒）
}

// HealthSupervisor 节点健康巡检。
// 驱动观测状态机 disconnected → connecting → connected/broken，
// 单次调用内从不重试，重试纪律由下一轮巡检承担。
type HealthSupervisor struct {
	db        fleetStore
	registry  *node.Registry
	configs   *ConfigStore
	projector *UserProjector
	bus       *EventBus
	mirror    StatusMirror
	opts      SupervisorOptions

	inFlight atomic.Bool

	mu     sync.Mutex
	halted map[int64]struct{} // 终止性失败的节点，等待显式重连

	stopChan chan struct{}
	kickChan chan struct{}
	wg       sync.WaitGroup
}

// NewHealthSupervisor 创建巡检器；mirror 可为 nil
func NewHealthSupervisor(db fleetStore, registry *node.Registry, configs *ConfigStore,
	projector *UserProjector, bus *EventBus, mirror StatusMirror, opts SupervisorOptions) *HealthSupervisor {

	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 60 * time.Second
	}

	return &HealthSupervisor{
		db:        db,
		registry:  registry,
		configs:   configs,
		projector: projector,
		bus:       bus,
		mirror:    mirror,
		opts:      opts,
		halted:    make(map[int64]struct{}),
		stopChan:  make(chan struct{}),
		kickChan:  make(chan struct{}, 1),
	}
}

// Start 启动巡检循环
func (s *HealthSupervisor) Start() {
	s.wg.Add(1)
	go s.loop()
	logger.Info("健康巡检已启动", zap.Duration("interval", s.opts.Interval))
}

// Stop 停止巡检循环
func (s *HealthSupervisor) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *HealthSupervisor) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	// 启动后立即巡检一轮
	s.Tick(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background())
		case <-s.kickChan:
			s.Tick(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// Tick 一轮巡检。上一轮未结束时跳过。
func (s *HealthSupervisor) Tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)

	nodes, err := s.db.EnabledNodes()
	if err != nil {
		logger.Error("枚举启用节点失败", zap.Error(err))
		return
	}

	enabled := make(map[int64]struct{}, len(nodes))
	for _, n := range nodes {
		enabled[n.ID] = struct{}{}
	}

	// 已停用或删除的节点移出注册表
	for _, id := range s.registry.IDs() {
		if _, ok := enabled[id]; !ok {
			s.registry.Remove(id)
			s.forgetHalt(id)
		}
	}

	var wg sync.WaitGroup
	statusCounts := make(map[string]int, len(nodes))

	for _, n := range nodes {
		statusCounts[n.Status]++

		client := s.registry.Get(n.ID)
		if client == nil {
			client = node.New(n)
			s.registry.Put(client)
		}

		if s.isHalted(n.ID) {
			continue
		}

		switch client.GetHealth() {
		case node.HealthNotConnected, node.HealthBroken:
			wg.Add(1)
			go func(n *dbinit.Node, c node.Client) {
				defer wg.Done()
				s.startNode(ctx, n, c)
			}(n, client)

		case node.HealthHealthy:
			wg.Add(1)
			go func(n *dbinit.Node, c node.Client) {
				defer wg.Done()
				s.probe(ctx, n, c)
			}(n, client)
		}
	}
	wg.Wait()

	for _, status := range []string{dbinit.NodeDisconnected, dbinit.NodeConnecting,
		dbinit.NodeConnected, dbinit.NodeBroken} {
		metrics.NodesByStatus.WithLabelValues(status).Set(float64(statusCounts[status]))
	}
}

// startNode 为一个待连接/故障节点执行启动序列。
// 已观测为 broken 的节点静默重试：不重复落盘 connecting，
// 失败事件只在状态跃迁边沿发布一次。
func (s *HealthSupervisor) startNode(ctx context.Context, n *dbinit.Node, client node.Client) {
	if n.Status != dbinit.NodeBroken {
		s.transition(n, dbinit.NodeConnecting, "", "", "")
	}

	entry, err := s.configs.Get(n.ConfigID)
	if err != nil {
		// 配置缺失或非法属于终止性失败，等待显式重连
		s.transition(n, dbinit.NodeBroken, err.Error(), "", "")
		s.halt(n.ID)
		return
	}

	users, err := s.db.UsersByStatus(dbinit.UserActive, dbinit.UserOnHold)
	if err != nil {
		s.transition(n, dbinit.NodeBroken, err.Error(), "", "")
		return
	}

	payloads := make([]node.UserPayload, 0, len(users))
	for _, user := range users {
		payload := s.projector.Payload(user)
		if len(payload.Inbounds) == 0 {
			continue
		}
		payloads = append(payloads, payload)
	}

	keepAlive := n.KeepAlive
	if keepAlive <= 0 {
		keepAlive = s.opts.KeepAlive
	}

	startCtx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()

	version, err := client.Start(startCtx, entry.Config.Content, payloads, keepAlive, entry.Config.ExcludeTags())
	if err != nil {
		s.transition(n, dbinit.NodeBroken, err.Error(), "", "")

		var ce *node.ClientError
		if errors.As(err, &ce) && ce.IsFatal() {
			logger.Error("节点启动遭遇终止性错误，暂停自动重连",
				zap.Int64("nodeID", n.ID),
				zap.String("node", n.Name),
				zap.Error(err))
			s.halt(n.ID)
		}
		return
	}

	s.transition(n, dbinit.NodeConnected, "", version.CoreVersion, version.NodeVersion)
	logger.Info("节点已连接",
		zap.Int64("nodeID", n.ID),
		zap.String("node", n.Name),
		zap.String("coreVersion", version.CoreVersion),
		zap.Int("users", len(payloads)))
}

// probe 对连接中的节点做一次有界探测。
// 超时观测为 broken；其余失败观测为 connecting，下一轮重启。
func (s *HealthSupervisor) probe(ctx context.Context, n *dbinit.Node, client node.Client) {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	if _, err := client.GetSystemStats(probeCtx); err != nil {
		client.SetHealth(node.HealthBroken)

		var ce *node.ClientError
		if errors.As(err, &ce) && ce.Kind == node.ErrTimeout {
			s.transition(n, dbinit.NodeBroken, err.Error(), "", "")
		} else {
			s.transition(n, dbinit.NodeConnecting, err.Error(), "", "")
		}
		return
	}

	// 传输层自愈后的补记
	if n.Status != dbinit.NodeConnected {
		s.transition(n, dbinit.NodeConnected, "", n.XrayVersion, n.NodeVersion)
	}
}

// transition 仅在状态跃迁边沿持久化并发布事件；镜像每次刷新
func (s *HealthSupervisor) transition(n *dbinit.Node, status, message, xrayVersion, nodeVersion string) {
	if len(message) > maxStatusMessage {
		message = message[:maxStatusMessage]
	}
	if xrayVersion == "" {
		xrayVersion = n.XrayVersion
	}
	if nodeVersion == "" {
		nodeVersion = n.NodeVersion
	}
	now := time.Now()

	if n.Status != status {
		if err := s.db.UpdateNodeStatus(n.ID, status, message, now, xrayVersion, nodeVersion); err != nil {
			logger.Error("节点状态持久化失败",
				zap.Int64("nodeID", n.ID),
				zap.String("status", status),
				zap.Error(err))
		}

		metrics.NodeTransitions.WithLabelValues(status).Inc()
		s.bus.Publish(Event{
			Kind:      EventNodeStatusChange,
			SubjectID: n.ID,
			Subject:   n.Name,
			Detail:    status,
			At:        now,
		})

		n.Status = status
		n.Message = message
		n.LastStatusChange = now
		n.XrayVersion = xrayVersion
		n.NodeVersion = nodeVersion
	}

	if s.mirror != nil {
		if err := s.mirror.SetNodeStatus(&cache.NodeStatusEntry{
			NodeID:      n.ID,
			Status:      status,
			Message:     message,
			XrayVersion: xrayVersion,
			NodeVersion: nodeVersion,
			ChangedAt:   now,
		}); err != nil {
			logger.Debug("节点状态镜像写入失败",
				zap.Int64("nodeID", n.ID),
				zap.Error(err))
		}
	}
}

// Connect 显式触发单个节点重连（清除终止性失败标记）
func (s *HealthSupervisor) Connect(id int64) error {
	client := s.registry.Get(id)
	if client == nil {
		return fmt.Errorf("node %d is not registered", id)
	}

	s.forgetHalt(id)
	if client.GetHealth() == node.HealthHealthy {
		_ = client.Stop()
	}
	client.SetHealth(node.HealthBroken)

	s.kick()
	return nil
}

// ReconnectAll 重连全部节点；configID 非零时只重连使用该配置的节点。
// 配置缓存一并失效，下一轮启动会重新加载。
func (s *HealthSupervisor) ReconnectAll(configID int64) error {
	nodes, err := s.db.EnabledNodes()
	if err != nil {
		return err
	}

	if configID != 0 {
		s.configs.Invalidate(configID)
	}

	for _, n := range nodes {
		if configID != 0 && n.ConfigID != configID {
			continue
		}
		if configID == 0 {
			s.configs.Invalidate(n.ConfigID)
		}

		s.forgetHalt(n.ID)
		if client := s.registry.Get(n.ID); client != nil {
			if client.GetHealth() == node.HealthHealthy {
				_ = client.Stop()
			}
			client.SetHealth(node.HealthBroken)
		}
	}

	s.kick()
	return nil
}

func (s *HealthSupervisor) kick() {
	select {
	case s.kickChan <- struct{}{}:
	default:
	}
}

func (s *HealthSupervisor) halt(id int64) {
	s.mu.Lock()
	s.halted[id] = struct{}{}
	s.mu.Unlock()
}

func (s *HealthSupervisor) forgetHalt(id int64) {
	s.mu.Lock()
	delete(s.halted, id)
	s.mu.Unlock()
}

func (s *HealthSupervisor) isHalted(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.halted[id]
	return ok
}
