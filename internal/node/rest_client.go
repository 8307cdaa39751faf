package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	dbinit "pasarguard/plane/db/init"
)

// restClient 请求/响应传输的节点客户端
type restClient struct {
	id          int64
	name        string
	baseURL     string
	token       string
	coefficient float64
	logCapacity int

	health health

	http *http.Client

	// sessionID 由 Start 响应下发，后续请求携带；
	// Stop 可能与在途调用并发，读写都要拿锁
	mu        sync.Mutex
	sessionID string
}

// restStartRequest 启动请求体
type restStartRequest struct {
	Config    []byte        `json:"config"`
	Users     []UserPayload `json:"users"`
	KeepAlive int           `json:"keep_alive"`
	Exclude   []string      `json:"exclude,omitempty"`
}

// restStartResponse 启动响应体
type restStartResponse struct {
	SessionID   string `json:"session_id"`
	NodeVersion string `json:"node_version"`
	CoreVersion string `json:"core_version"`
}

// restErrorResponse 节点错误响应体
type restErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newRESTClient(n *dbinit.Node) Client {
	c := &restClient{
		id:          n.ID,
		name:        n.Name,
		baseURL:     fmt.Sprintf("http://%s:%d", n.Address, n.Port),
		token:       n.Token,
		coefficient: n.Coefficient,
		logCapacity: n.LogCapacity,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	c.health.set(HealthNotConnected)
	return c
}

func (c *restClient) NodeID() int64 {
	return c.id
}

func (c *restClient) Coefficient() float64 {
	return c.coefficient
}

// do 发送一次请求并解码响应；非2xx映射为 ClientError
func (c *restClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if sid := c.session(); sid != "" {
		req.Header.Set("X-Session-ID", sid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &ClientError{Kind: ErrTimeout, Err: err}
		}
		return &ClientError{Kind: ErrUnreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errResp := &restErrorResponse{}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, errResp)
		if errResp.Message == "" {
			errResp.Message = resp.Status
		}
		if errResp.Code == 0 {
			errResp.Code = resp.StatusCode
		}

		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &ClientError{Kind: ErrAuth, Code: errResp.Code, Msg: errResp.Message}
		case http.StatusUnprocessableEntity:
			return &ClientError{Kind: ErrInvalidConfig, Code: errResp.Code, Msg: errResp.Message}
		default:
			return &ClientError{Kind: ErrRemote, Code: errResp.Code, Msg: errResp.Message}
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ClientError{Kind: ErrRemote, Msg: "malformed response", Err: err}
		}
	}
	return nil
}

// Start 下发配置与初始用户集并启动节点
func (c *restClient) Start(ctx context.Context, config []byte, users []UserPayload, keepAlive int, exclude []string) (*Version, error) {
	c.setSession("")

	resp := &restStartResponse{}
	err := c.do(ctx, http.MethodPost, "/start", &restStartRequest{
		Config:    config,
		Users:     users,
		KeepAlive: keepAlive,
		Exclude:   exclude,
	}, resp)
	if err != nil {
		return nil, err
	}

	c.setSession(resp.SessionID)
	c.health.set(HealthHealthy)

	return &Version{
		NodeVersion: resp.NodeVersion,
		CoreVersion: resp.CoreVersion,
	}, nil
}

// Stop 停止节点（幂等）
func (c *restClient) Stop() error {
	if c.session() == "" {
		if c.health.get() != HealthInvalid {
			c.health.set(HealthNotConnected)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.do(ctx, http.MethodPost, "/stop", nil, nil)
	c.setSession("")
	if c.health.get() != HealthInvalid {
		c.health.set(HealthNotConnected)
	}
	return err
}

func (c *restClient) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *restClient) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// UpdateUser 推送一条用户变更
func (c *restClient) UpdateUser(ctx context.Context, user UserPayload) error {
	err := c.do(ctx, http.MethodPut, "/users", &user, nil)
	if err != nil {
		c.markFailure(err)
	}
	return err
}

// SyncUsers 全量替换用户集；请求/响应传输没有在途队列，flushQueue 无操作
func (c *restClient) SyncUsers(ctx context.Context, users []UserPayload, flushQueue bool) error {
	err := c.do(ctx, http.MethodPut, "/users/sync", &wsSyncPayload{Users: users}, nil)
	if err != nil {
		c.markFailure(err)
	}
	return err
}

// GetStats 拉取计数器；reset 时远端原子清零
func (c *restClient) GetStats(ctx context.Context, kind StatKind, reset bool, timeout time.Duration) ([]StatEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var entries []StatEntry
	path := fmt.Sprintf("/stats?kind=%s&reset=%t", kind, reset)
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		c.markFailure(err)
		return nil, err
	}
	return entries, nil
}

func (c *restClient) GetHealth() Health {
	return c.health.get()
}

func (c *restClient) SetHealth(h Health) {
	c.health.set(h)
}

// GetSystemStats 系统指标
func (c *restClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	stats := &SystemStats{}
	if err := c.do(ctx, http.MethodGet, "/system", nil, stats); err != nil {
		c.markFailure(err)
		return nil, err
	}
	return stats, nil
}

// GetLogs 拉取最近日志并以通道形式返回
func (c *restClient) GetLogs(ctx context.Context) (<-chan string, error) {
	var lines []string
	if err := c.do(ctx, http.MethodGet, "/logs", nil, &lines); err != nil {
		return nil, err
	}

	out := make(chan string, len(lines))
	for _, line := range lines {
		out <- line
	}
	close(out)
	return out, nil
}

// markFailure 不可达的调用失败把健康置为 broken；巡检负责恢复
func (c *restClient) markFailure(err error) {
	if ce, ok := err.(*ClientError); ok && ce.Kind == ErrUnreachable {
		if c.health.get() == HealthHealthy {
			c.health.set(HealthBroken)
		}
	}
}
