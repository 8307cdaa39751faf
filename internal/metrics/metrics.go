package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NodesByStatus 各观测状态下的节点数量
	NodesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plane_nodes_by_status",
		Help: "Number of nodes per observed status",
	}, []string{"status"})

	// UsersByStatus 各状态下的用户数量
	UsersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plane_users_by_status",
		Help: "Number of users per status",
	}, []string{"status"})

	// CollectedBytes 已采集并记账的流量字节数
	CollectedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plane_collected_bytes_total",
		Help: "Total bytes collected from nodes and committed",
	})

	// CollectTickDuration 一轮采集耗时
	CollectTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plane_collect_tick_duration_seconds",
		Help:    "Duration of one usage collection tick",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// CollectTicksSkipped 因上一轮未结束而被合并跳过的采集轮数
	CollectTicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plane_collect_ticks_skipped_total",
		Help: "Collection ticks skipped because the previous tick was still running",
	}, []string{"kind"})

	// BroadcastErrors 用户变更推送失败次数
	BroadcastErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plane_broadcast_errors_total",
		Help: "Failed user mutation pushes to nodes",
	})

	// NodeTransitions 节点状态跃迁次数
	NodeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plane_node_transitions_total",
		Help: "Node status transitions",
	}, []string{"to"})

	// CommitRetryExhausted 死锁重试耗尽次数
	CommitRetryExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plane_commit_retry_exhausted_total",
		Help: "Usage commits abandoned after deadlock retries",
	})
)
