package core

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"pasarguard/plane/internal/node"
	"pasarguard/plane/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(&logger.Config{Level: "error", Format: "console"}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeClient 测试用节点客户端
type fakeClient struct {
	id          int64
	coefficient float64
	health      node.Health

	mu        sync.Mutex
	updates   []node.UserPayload
	updateErr error

	userStats     []node.StatEntry
	outboundStats []node.StatEntry
	statsErr      error
	statCalls     int
	resetSeen     []bool
	block         chan struct{} // 非nil时 GetStats 阻塞直到关闭

	startErr   error
	startCalls int
	startUsers []node.UserPayload
	stopCalls  int
	sysErr     error
}

func newFakeClient(id int64, h node.Health) *fakeClient {
	return &fakeClient{id: id, coefficient: 1.0, health: h}
}

func (c *fakeClient) NodeID() int64        { return c.id }
func (c *fakeClient) Coefficient() float64 { return c.coefficient }

func (c *fakeClient) Start(ctx context.Context, config []byte, users []node.UserPayload, keepAlive int, exclude []string) (*node.Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCalls++
	c.startUsers = users
	if c.startErr != nil {
		return nil, c.startErr
	}
	c.health = node.HealthHealthy
	return &node.Version{NodeVersion: "v1.0", CoreVersion: "v25.1"}, nil
}

func (c *fakeClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	if c.health != node.HealthInvalid {
		c.health = node.HealthNotConnected
	}
	return nil
}

func (c *fakeClient) UpdateUser(ctx context.Context, user node.UserPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return c.updateErr
	}
	c.updates = append(c.updates, user)
	return nil
}

func (c *fakeClient) SyncUsers(ctx context.Context, users []node.UserPayload, flushQueue bool) error {
	return nil
}

func (c *fakeClient) GetStats(ctx context.Context, kind node.StatKind, reset bool, timeout time.Duration) ([]node.StatEntry, error) {
	if c.block != nil {
		<-c.block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.statCalls++
	c.resetSeen = append(c.resetSeen, reset)
	if c.statsErr != nil {
		return nil, c.statsErr
	}
	if kind == node.StatUsers {
		return c.userStats, nil
	}
	return c.outboundStats, nil
}

func (c *fakeClient) GetHealth() node.Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *fakeClient) SetHealth(h node.Health) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = h
}

func (c *fakeClient) GetSystemStats(ctx context.Context) (*node.SystemStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sysErr != nil {
		return nil, c.sysErr
	}
	return &node.SystemStats{}, nil
}

func (c *fakeClient) GetLogs(ctx context.Context) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (c *fakeClient) updateNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.updates))
	for _, u := range c.updates {
		names = append(names, u.Name)
	}
	return names
}
