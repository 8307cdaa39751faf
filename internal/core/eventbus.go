package core

import (
	"context"
	"sync"
	"time"

	"pasarguard/plane/pkg/logger"

	"go.uber.org/zap"
)

// 事件类型
const (
	EventNodeStatusChange = "node_status_change"
	EventUserStatusChange = "user_status_change"
	EventDataResetByNext  = "data_reset_by_next"
	EventReminder         = "reminder"
)

// Event 控制面事件
type Event struct {
	Kind      string    `json:"kind"`
	SubjectID int64     `json:"subject_id"`
	Subject   string    `json:"subject"` // 节点名或用户名
	Detail    string    `json:"detail"`  // 新状态或 "类型:阈值"
	At        time.Time `json:"at"`
}

// Sink 事件消费者
type Sink func(ev Event)

// EventBus 有界事件总线。
// 发布从不阻塞：缓冲满时丢弃最旧的事件。
type EventBus struct {
	ch chan Event

	mu    sync.RWMutex
	sinks []Sink

	dropped int64
}

// NewEventBus 创建事件总线
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = 300
	}
	return &EventBus{
		ch: make(chan Event, capacity),
	}
}

// Subscribe 注册消费者（应在 Run 之前调用）
func (b *EventBus) Subscribe(sink Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Publish 发布事件，缓冲满时丢弃最旧的一条
func (b *EventBus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case b.ch <- ev:
		return
	default:
	}

	select {
	case <-b.ch:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	default:
	}

	select {
	case b.ch <- ev:
	default:
	}
}

// Dropped 被丢弃的事件计数
func (b *EventBus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Run 分发循环，ctx 取消后退出
func (b *EventBus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.ch:
			b.mu.RLock()
			sinks := b.sinks
			b.mu.RUnlock()

			for _, sink := range sinks {
				func() {
					defer func() {
						if r := recover(); r != nil {
							logger.Error("事件消费者panic",
								zap.String("kind", ev.Kind),
								zap.Any("recover", r))
						}
					}()
					sink(ev)
				}()
			}
		}
	}
}
