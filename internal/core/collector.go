package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pasarguard/plane/db/sqlite"
	"pasarguard/plane/internal/metrics"
	"pasarguard/plane/internal/node"
	"pasarguard/plane/pkg/logger"

	"go.uber.org/zap"
)

// usageStore 采集器的持久化依赖
type usageStore interface {
	AdminIDsByUser(userIDs []int64) (map[int64]int64, error)
	CommitUserUsage(deltas map[int64]int64, now time.Time) error
	CommitAdminUsage(deltas map[int64]int64) error
	CommitNodeUserUsage(nodeID int64, hour time.Time, deltas map[int64]int64) error
	CommitNodeUsage(nodeID int64, hour time.Time, uplink, downlink int64) error
	CommitSystemUsage(uplink, downlink int64) error
}

// UsageMirror 在线用户与实时流量的缓存镜像（可选）
type UsageMirror interface {
	SetOnlineUsers(nodeID int64, userIDs []int64) error
	IncrementTraffic(nodeID int64, uplink, downlink int64) error
}

// CollectorOptions 采集器参数
type CollectorOptions struct {
	UserInterval    time.Duration // 用户流量采集周期
	NodeInterval    time.Duration // 节点流量采集周期
	StatsTimeout    time.Duration // 单节点拉取超时
	RecordNodeUsage bool          // 是否记录按节点的小时明细
}

// UsageCollector 周期性从健康节点拉取计数器并记账。
// 计数器是读取即清零的：拉到的每一份读数都必须入库，
// 单个事务失败只损失该事务覆盖的部分。
type UsageCollector struct {
	db       usageStore
	registry *node.Registry
	mirror   UsageMirror
	opts     CollectorOptions

	userInFlight atomic.Bool
	nodeInFlight atomic.Bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// nodeUserSample 单节点一轮按用户的读数（已乘系数）
type nodeUserSample struct {
	nodeID int64
	deltas map[int64]int64
}

// nodeLinkSample 单节点一轮出入站读数（已乘系数）
type nodeLinkSample struct {
	nodeID   int64
	uplink   int64
	downlink int64
}

// NewUsageCollector 创建采集器；mirror 可为 nil
func NewUsageCollector(db usageStore, registry *node.Registry, mirror UsageMirror, opts CollectorOptions) *UsageCollector {
	if opts.UserInterval <= 0 {
		opts.UserInterval = 10 * time.Second
	}
	if opts.NodeInterval <= 0 {
		opts.NodeInterval = 30 * time.Second
	}
	if opts.StatsTimeout <= 0 {
		opts.StatsTimeout = 30 * time.Second
	}

	return &UsageCollector{
		db:       db,
		registry: registry,
		mirror:   mirror,
		opts:     opts,
		stopChan: make(chan struct{}),
	}
}

// Start 启动两条采集循环
func (c *UsageCollector) Start() {
	c.wg.Add(2)
	go c.loop(c.opts.UserInterval, "user", c.CollectUserUsage)
	go c.loop(c.opts.NodeInterval, "node", c.CollectNodeUsage)
	logger.Info("流量采集器已启动",
		zap.Duration("userInterval", c.opts.UserInterval),
		zap.Duration("nodeInterval", c.opts.NodeInterval))
}

// Stop 停止采集循环
func (c *UsageCollector) Stop() {
	close(c.stopChan)
	c.wg.Wait()
}

func (c *UsageCollector) loop(interval time.Duration, kind string, tick func(context.Context)) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			tick(context.Background())
			metrics.CollectTickDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		case <-c.stopChan:
			return
		}
	}
}

// CollectUserUsage 一轮按用户的采集。
// 上一轮未结束时直接跳过（合并），同类在途至多一轮。
func (c *UsageCollector) CollectUserUsage(ctx context.Context) {
	if !c.userInFlight.CompareAndSwap(false, true) {
		metrics.CollectTicksSkipped.WithLabelValues("user").Inc()
		return
	}
	defer c.userInFlight.Store(false)

	clients := c.registry.Healthy()
	if len(clients) == 0 {
		return
	}

	samples := c.pullUserStats(ctx, clients)
	if len(samples) == 0 {
		return
	}

	now := time.Now()
	hour := now.Truncate(time.Hour)

	// 跨节点按用户合计
	totals := make(map[int64]int64)
	for _, sample := range samples {
		for userID, delta := range sample.deltas {
			totals[userID] += delta
		}
	}

	userIDs := make([]int64, 0, len(totals))
	var totalBytes int64
	for userID, delta := range totals {
		userIDs = append(userIDs, userID)
		totalBytes += delta
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	// 事务一：用户累计流量与在线时间
	if err := c.db.CommitUserUsage(totals, now); err != nil {
		c.logCommitError("用户流量入库失败", err)
	}

	// 事务二：管理员名下累计
	adminIDs, err := c.db.AdminIDsByUser(userIDs)
	if err != nil {
		logger.Error("查询用户归属失败", zap.Error(err))
	} else {
		adminDeltas := make(map[int64]int64)
		for userID, delta := range totals {
			if adminID, ok := adminIDs[userID]; ok {
				adminDeltas[adminID] += delta
			}
		}
		if err := c.db.CommitAdminUsage(adminDeltas); err != nil {
			c.logCommitError("管理员流量入库失败", err)
		}
	}

	// 事务三：按 (小时, 用户, 节点) 的明细，可配置关闭
	if c.opts.RecordNodeUsage {
		for _, sample := range samples {
			if err := c.db.CommitNodeUserUsage(sample.nodeID, hour, sample.deltas); err != nil {
				c.logCommitError("节点用户明细入库失败", err)
			}
		}
	}

	metrics.CollectedBytes.Add(float64(totalBytes))

	// 在线用户镜像，尽力而为
	if c.mirror != nil {
		for _, sample := range samples {
			online := make([]int64, 0, len(sample.deltas))
			for userID := range sample.deltas {
				online = append(online, userID)
			}
			sort.Slice(online, func(i, j int) bool { return online[i] < online[j] })
			if err := c.mirror.SetOnlineUsers(sample.nodeID, online); err != nil {
				logger.Debug("在线用户镜像写入失败",
					zap.Int64("nodeID", sample.nodeID),
					zap.Error(err))
			}
		}
	}
}

// pullUserStats 并行从各节点拉取按用户计数器（读取即清零）
func (c *UsageCollector) pullUserStats(ctx context.Context, clients []node.Client) []nodeUserSample {
	var mu sync.Mutex
	samples := make([]nodeUserSample, 0, len(clients))

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(cl node.Client) {
			defer wg.Done()

			entries, err := cl.GetStats(ctx, node.StatUsers, true, c.opts.StatsTimeout)
			if err != nil {
				logger.Warn("拉取用户计数器失败",
					zap.Int64("nodeID", cl.NodeID()),
					zap.Error(err))
				return
			}

			deltas := applyCoefficient(node.FoldUserStats(entries), cl.Coefficient())
			if len(deltas) == 0 {
				return
			}

			mu.Lock()
			samples = append(samples, nodeUserSample{nodeID: cl.NodeID(), deltas: deltas})
			mu.Unlock()
		}(client)
	}
	wg.Wait()

	return samples
}

// CollectNodeUsage 一轮按出站的采集
func (c *UsageCollector) CollectNodeUsage(ctx context.Context) {
	if !c.nodeInFlight.CompareAndSwap(false, true) {
		metrics.CollectTicksSkipped.WithLabelValues("node").Inc()
		return
	}
	defer c.nodeInFlight.Store(false)

	clients := c.registry.Healthy()
	if len(clients) == 0 {
		return
	}

	var mu sync.Mutex
	samples := make([]nodeLinkSample, 0, len(clients))

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(cl node.Client) {
			defer wg.Done()

			entries, err := cl.GetStats(ctx, node.StatOutbounds, true, c.opts.StatsTimeout)
			if err != nil {
				logger.Warn("拉取出站计数器失败",
					zap.Int64("nodeID", cl.NodeID()),
					zap.Error(err))
				return
			}

			uplink, downlink := node.FoldOutboundStats(entries)
			coeff := cl.Coefficient()
			uplink = int64(float64(uplink) * coeff)
			downlink = int64(float64(downlink) * coeff)
			if uplink == 0 && downlink == 0 {
				return
			}

			mu.Lock()
			samples = append(samples, nodeLinkSample{nodeID: cl.NodeID(), uplink: uplink, downlink: downlink})
			mu.Unlock()
		}(client)
	}
	wg.Wait()

	if len(samples) == 0 {
		return
	}

	hour := time.Now().Truncate(time.Hour)
	var totalUp, totalDown int64
	for _, sample := range samples {
		totalUp += sample.uplink
		totalDown += sample.downlink

		if c.opts.RecordNodeUsage {
			if err := c.db.CommitNodeUsage(sample.nodeID, hour, sample.uplink, sample.downlink); err != nil {
				c.logCommitError("节点流量入库失败", err)
			}
		}

		if c.mirror != nil {
			if err := c.mirror.IncrementTraffic(sample.nodeID, sample.uplink, sample.downlink); err != nil {
				logger.Debug("实时流量镜像写入失败",
					zap.Int64("nodeID", sample.nodeID),
					zap.Error(err))
			}
		}
	}

	if err := c.db.CommitSystemUsage(totalUp, totalDown); err != nil {
		c.logCommitError("全局流量入库失败", err)
	}

	metrics.CollectedBytes.Add(float64(totalUp + totalDown))
}

func (c *UsageCollector) logCommitError(msg string, err error) {
	if errors.Is(err, sqlite.ErrRetryExhausted) {
		metrics.CommitRetryExhausted.Inc()
	}
	logger.Error(msg, zap.Error(err))
}

// applyCoefficient 按节点系数放大读数，整数截断
func applyCoefficient(deltas map[int64]int64, coeff float64) map[int64]int64 {
	if coeff == 1.0 || len(deltas) == 0 {
		return deltas
	}

	out := make(map[int64]int64, len(deltas))
	for userID, delta := range deltas {
		scaled := int64(float64(delta) * coeff)
		if scaled == 0 {
			continue
		}
		out[userID] = scaled
	}
	return out
}
