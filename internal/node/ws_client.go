package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	dbinit "pasarguard/plane/db/init"
	"pasarguard/plane/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ws 帧类型
const (
	wsFrameStart       = "start"
	wsFrameStarted     = "started"
	wsFrameUser        = "user"
	wsFrameSync        = "sync"
	wsFrameStats       = "stats"
	wsFrameStatsResult = "stats_result"
	wsFrameSystem      = "system"
	wsFrameSystemStats = "system_result"
	wsFrameLog         = "log"
	wsFrameError       = "error"
)

// wsFrame 控制面与节点之间的消息帧
type wsFrame struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsErrorData 节点返回的错误载荷
type wsErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsStartPayload 启动载荷
type wsStartPayload struct {
	Config    []byte        `json:"config"`
	Users     []UserPayload `json:"users"`
	KeepAlive int           `json:"keep_alive"`
	Exclude   []string      `json:"exclude,omitempty"`
}

// wsStatsPayload 统计请求载荷
type wsStatsPayload struct {
	Kind  StatKind `json:"kind"`
	Reset bool     `json:"reset"`
}

// wsSyncPayload 全量同步载荷
type wsSyncPayload struct {
	Users []UserPayload `json:"users"`
}

// wsClient 流式RPC传输的节点客户端
type wsClient struct {
	id          int64
	name        string
	addr        string
	token       string
	coefficient float64
	logCapacity int

	health health

	mu      sync.Mutex
	conn    *websocket.Conn
	sendCh  chan *wsFrame
	pending map[string]chan *wsFrame
	done    chan struct{}

	logs chan string
}

func newWSClient(n *dbinit.Node) Client {
	c := &wsClient{
		id:          n.ID,
		name:        n.Name,
		addr:        fmt.Sprintf("%s:%d", n.Address, n.Port),
		token:       n.Token,
		coefficient: n.Coefficient,
		logCapacity: n.LogCapacity,
		logs:        make(chan string, max(n.LogCapacity, 1)),
	}
	c.health.set(HealthNotConnected)
	return c
}

func (c *wsClient) NodeID() int64 {
	return c.id
}

func (c *wsClient) Coefficient() float64 {
	return c.coefficient
}

// Start 建立连接、下发配置与初始用户集
func (c *wsClient) Start(ctx context.Context, config []byte, users []UserPayload, keepAlive int, exclude []string) (*Version, error) {
	_ = c.Stop()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+c.addr+"/rpc", header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &ClientError{Kind: ErrAuth, Msg: "node rejected credentials", Err: err}
		}
		if ctx.Err() != nil {
			return nil, &ClientError{Kind: ErrTimeout, Err: err}
		}
		return nil, &ClientError{Kind: ErrUnreachable, Err: err}
	}

	payload, err := json.Marshal(&wsStartPayload{
		Config:    config,
		Users:     users,
		KeepAlive: keepAlive,
		Exclude:   exclude,
	})
	if err != nil {
		conn.Close()
		return nil, &ClientError{Kind: ErrInvalidConfig, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteJSON(&wsFrame{Type: wsFrameStart, Data: payload}); err != nil {
		conn.Close()
		return nil, &ClientError{Kind: ErrUnreachable, Err: err}
	}

	var reply wsFrame
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, &ClientError{Kind: ErrTimeout, Err: err}
		}
		return nil, &ClientError{Kind: ErrUnreachable, Err: err}
	}

	switch reply.Type {
	case wsFrameStarted:
		version := &Version{}
		if err := json.Unmarshal(reply.Data, version); err != nil {
			conn.Close()
			return nil, &ClientError{Kind: ErrRemote, Msg: "malformed start reply", Err: err}
		}

		conn.SetReadDeadline(time.Time{})
		conn.SetWriteDeadline(time.Time{})

		c.mu.Lock()
		c.conn = conn
		c.sendCh = make(chan *wsFrame, 256)
		c.pending = make(map[string]chan *wsFrame)
		c.done = make(chan struct{})
		c.mu.Unlock()

		c.health.set(HealthHealthy)

		go c.readPump(conn)
		go c.writePump(conn, keepAlive)

		return version, nil

	case wsFrameError:
		conn.Close()
		return nil, c.remoteError(reply.Data)

	default:
		conn.Close()
		return nil, &ClientError{Kind: ErrRemote, Msg: "unexpected reply: " + reply.Type}
	}
}

// remoteError 把节点错误载荷映射为 ClientError
func (c *wsClient) remoteError(data json.RawMessage) error {
	errData := &wsErrorData{}
	_ = json.Unmarshal(data, errData)

	switch {
	case errData.Code == http.StatusUnauthorized || errData.Code == http.StatusForbidden:
		return &ClientError{Kind: ErrAuth, Code: errData.Code, Msg: errData.Message}
	case errData.Code == http.StatusUnprocessableEntity:
		return &ClientError{Kind: ErrInvalidConfig, Code: errData.Code, Msg: errData.Message}
	default:
		return &ClientError{Kind: ErrRemote, Code: errData.Code, Msg: errData.Message}
	}
}

// Stop 停止并断开（幂等）。
// 在途的 call 由 done 通道唤醒；pending 通道绝不关闭，
// 迟到的响应投进带缓冲的通道后被丢弃。
func (c *wsClient) Stop() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.sendCh = nil
	c.done = nil
	c.pending = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}

	if c.health.get() != HealthInvalid {
		c.health.set(HealthNotConnected)
	}
	return nil
}

// enqueue 把帧放入发送队列（单写者保证FIFO）
func (c *wsClient) enqueue(ctx context.Context, frame *wsFrame) error {
	c.mu.Lock()
	sendCh := c.sendCh
	done := c.done
	c.mu.Unlock()

	if sendCh == nil {
		return &ClientError{Kind: ErrUnreachable, Msg: "not connected"}
	}

	select {
	case sendCh <- frame:
		return nil
	case <-done:
		return &ClientError{Kind: ErrUnreachable, Msg: "connection closed"}
	case <-ctx.Done():
		return &ClientError{Kind: ErrTimeout, Err: ctx.Err()}
	}
}

// UpdateUser 推送一条用户变更
func (c *wsClient) UpdateUser(ctx context.Context, user UserPayload) error {
	data, err := json.Marshal(&user)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, &wsFrame{Type: wsFrameUser, Data: data})
}

// SyncUsers 全量替换用户集
func (c *wsClient) SyncUsers(ctx context.Context, users []UserPayload, flushQueue bool) error {
	if flushQueue {
		c.flushSendQueue()
	}

	data, err := json.Marshal(&wsSyncPayload{Users: users})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, &wsFrame{Type: wsFrameSync, Data: data})
}

// flushSendQueue 丢弃在途的增量更新
func (c *wsClient) flushSendQueue() {
	c.mu.Lock()
	sendCh := c.sendCh
	c.mu.Unlock()
	if sendCh == nil {
		return
	}

	for {
		select {
		case <-sendCh:
		default:
			return
		}
	}
}

// call 发起一次带关联ID的请求并等待响应
func (c *wsClient) call(ctx context.Context, frame *wsFrame, timeout time.Duration) (*wsFrame, error) {
	frame.ID = uuid.NewString()

	respCh := make(chan *wsFrame, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, &ClientError{Kind: ErrUnreachable, Msg: "not connected"}
	}
	c.pending[frame.ID] = respCh
	done := c.done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
	}()

	if err := c.enqueue(ctx, frame); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-respCh:
		if reply.Type == wsFrameError {
			return nil, c.remoteError(reply.Data)
		}
		return reply, nil
	case <-done:
		return nil, &ClientError{Kind: ErrUnreachable, Msg: "connection closed"}
	case <-timer.C:
		return nil, &ClientError{Kind: ErrTimeout, Msg: "rpc deadline exceeded"}
	case <-ctx.Done():
		return nil, &ClientError{Kind: ErrTimeout, Err: ctx.Err()}
	}
}

// GetStats 拉取计数器（reset 时远端原子清零）
func (c *wsClient) GetStats(ctx context.Context, kind StatKind, reset bool, timeout time.Duration) ([]StatEntry, error) {
	data, err := json.Marshal(&wsStatsPayload{Kind: kind, Reset: reset})
	if err != nil {
		return nil, err
	}

	reply, err := c.call(ctx, &wsFrame{Type: wsFrameStats, Data: data}, timeout)
	if err != nil {
		return nil, err
	}

	var entries []StatEntry
	if err := json.Unmarshal(reply.Data, &entries); err != nil {
		return nil, &ClientError{Kind: ErrRemote, Msg: "malformed stats reply", Err: err}
	}
	return entries, nil
}

// GetHealth 当前健康状态
func (c *wsClient) GetHealth() Health {
	return c.health.get()
}

// SetHealth 设置健康状态
func (c *wsClient) SetHealth(h Health) {
	c.health.set(h)
}

// GetSystemStats 系统指标
func (c *wsClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	reply, err := c.call(ctx, &wsFrame{Type: wsFrameSystem}, 10*time.Second)
	if err != nil {
		return nil, err
	}

	stats := &SystemStats{}
	if err := json.Unmarshal(reply.Data, stats); err != nil {
		return nil, &ClientError{Kind: ErrRemote, Msg: "malformed system stats", Err: err}
	}
	return stats, nil
}

// GetLogs 节点日志流
func (c *wsClient) GetLogs(ctx context.Context) (<-chan string, error) {
	return c.logs, nil
}

// readPump 读取循环：分发RPC响应与日志帧
func (c *wsClient) readPump(conn *websocket.Conn) {
	defer func() {
		if c.health.get() == HealthHealthy {
			c.health.set(HealthBroken)
		}
	}()

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.health.set(HealthNotConnected)
			} else {
				logger.Debug("节点连接读取错误",
					zap.Int64("nodeID", c.id),
					zap.Error(err))
			}
			return
		}

		if frame.ID != "" {
			c.dispatchReply(&frame)
			continue
		}

		if frame.Type == wsFrameLog {
			var line string
			if err := json.Unmarshal(frame.Data, &line); err == nil {
				select {
				case c.logs <- line:
				default: // 日志缓冲满时丢弃最旧的一条
					select {
					case <-c.logs:
					default:
					}
					select {
					case c.logs <- line:
					default:
					}
				}
			}
		}
	}
}

// dispatchReply 按关联ID投递RPC响应；未知或已过期的ID直接丢弃。
// pending 通道带一格缓冲且从不关闭，与并发的 Stop 互不冲突。
func (c *wsClient) dispatchReply(frame *wsFrame) {
	c.mu.Lock()
	respCh, ok := c.pending[frame.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case respCh <- frame:
	default:
	}
}

// writePump 单写者发送循环，keep-alive 心跳
func (c *wsClient) writePump(conn *websocket.Conn, keepAlive int) {
	if keepAlive <= 0 {
		keepAlive = 20
	}
	ticker := time.NewTicker(time.Duration(keepAlive) * time.Second)
	defer ticker.Stop()

	c.mu.Lock()
	sendCh := c.sendCh
	done := c.done
	c.mu.Unlock()

	for {
		select {
		case frame := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				logger.Debug("节点连接写入错误",
					zap.Int64("nodeID", c.id),
					zap.Error(err))
				c.health.set(HealthBroken)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.health.set(HealthBroken)
				return
			}

		case <-done:
			return
		}
	}
}
