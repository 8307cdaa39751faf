package node

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// newConnectedWSClient 构造一个处于已连接状态的流式客户端（不建真实连接）
func newConnectedWSClient() *wsClient {
	c := &wsClient{
		id:          1,
		coefficient: 1.0,
		sendCh:      make(chan *wsFrame, 256),
		pending:     make(map[string]chan *wsFrame),
		done:        make(chan struct{}),
		logs:        make(chan string, 1),
	}
	c.health.set(HealthHealthy)
	return c
}

// pendingCall 等待一个在途RPC注册完成并返回其关联ID
func pendingCall(t *testing.T, c *wsClient) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for id := range c.pending {
			c.mu.Unlock()
			return id
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no pending call registered")
	return ""
}

func TestWSCallUnblocksOnStop(t *testing.T) {
	c := newConnectedWSClient()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.call(context.Background(), &wsFrame{Type: wsFrameSystem}, time.Minute)
		errCh <- err
	}()

	pendingCall(t, c)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-errCh:
		var ce *ClientError
		if !errors.As(err, &ce) || ce.Kind != ErrUnreachable {
			t.Errorf("call error = %v, want unreachable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not unblock after Stop")
	}
}

func TestWSLateReplyAfterStopIsDropped(t *testing.T) {
	c := newConnectedWSClient()

	go func() {
		_, _ = c.call(context.Background(), &wsFrame{Type: wsFrameStats}, time.Minute)
	}()
	id := pendingCall(t, c)

	// 模拟读取循环在 Stop 并发时已取到响应通道
	c.mu.Lock()
	respCh := c.pending[id]
	c.mu.Unlock()

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// 迟到的响应进入带缓冲的通道后被丢弃，不允许panic
	select {
	case respCh <- &wsFrame{ID: id, Type: wsFrameStatsResult}:
	default:
	}
	c.dispatchReply(&wsFrame{ID: id, Type: wsFrameStatsResult})
}

func TestWSDispatchReplyResolvesCall(t *testing.T) {
	c := newConnectedWSClient()

	entries, _ := json.Marshal([]StatEntry{{Name: "1.alice.vmess.uplink", Value: 10}})

	type result struct {
		stats []StatEntry
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		stats, err := c.GetStats(context.Background(), StatUsers, true, time.Minute)
		resCh <- result{stats, err}
	}()

	id := pendingCall(t, c)
	c.dispatchReply(&wsFrame{ID: id, Type: wsFrameStatsResult, Data: entries})

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("GetStats: %v", res.err)
		}
		if len(res.stats) != 1 || res.stats[0].Value != 10 {
			t.Errorf("stats = %+v", res.stats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetStats did not resolve")
	}

	// 未知ID的响应直接丢弃
	c.dispatchReply(&wsFrame{ID: "unknown", Type: wsFrameStatsResult})
}
