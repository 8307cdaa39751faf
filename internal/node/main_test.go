package node

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pasarguard/plane/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(&logger.Config{Level: "error", Format: "console"}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeClient 测试用客户端
type fakeClient struct {
	id          int64
	coefficient float64

	health health

	mu        sync.Mutex
	stopped   int32
	stopErr   error
	stats     []StatEntry
	statsErr  error
	statCalls int32
	updates   []UserPayload
	updateErr error
	block     chan struct{} // 非nil时 GetStats 阻塞直到关闭
}

func newFakeClient(id int64, h Health) *fakeClient {
	c := &fakeClient{id: id, coefficient: 1.0}
	c.health.set(h)
	return c
}

func (c *fakeClient) NodeID() int64        { return c.id }
func (c *fakeClient) Coefficient() float64 { return c.coefficient }

func (c *fakeClient) Start(ctx context.Context, config []byte, users []UserPayload, keepAlive int, exclude []string) (*Version, error) {
	c.health.set(HealthHealthy)
	return &Version{NodeVersion: "fake", CoreVersion: "fake"}, nil
}

func (c *fakeClient) Stop() error {
	atomic.AddInt32(&c.stopped, 1)
	if c.health.get() != HealthInvalid {
		c.health.set(HealthNotConnected)
	}
	return c.stopErr
}

func (c *fakeClient) UpdateUser(ctx context.Context, user UserPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return c.updateErr
	}
	c.updates = append(c.updates, user)
	return nil
}

func (c *fakeClient) SyncUsers(ctx context.Context, users []UserPayload, flushQueue bool) error {
	return nil
}

func (c *fakeClient) GetStats(ctx context.Context, kind StatKind, reset bool, timeout time.Duration) ([]StatEntry, error) {
	atomic.AddInt32(&c.statCalls, 1)
	if c.block != nil {
		<-c.block
	}
	if c.statsErr != nil {
		return nil, c.statsErr
	}
	return c.stats, nil
}

func (c *fakeClient) GetHealth() Health  { return c.health.get() }
func (c *fakeClient) SetHealth(h Health) { c.health.set(h) }

func (c *fakeClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	return &SystemStats{}, nil
}

func (c *fakeClient) GetLogs(ctx context.Context) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}
