package api

import (
	"context"
	"strconv"
	"time"

	dbinit "pasarguard/plane/db/init"

	"github.com/gin-gonic/gin"
)

// NodeHandler 节点管理处理器
type NodeHandler struct {
	app *App
}

// NewNodeHandler 创建节点处理器
func NewNodeHandler(app *App) *NodeHandler {
	return &NodeHandler{app: app}
}

// nodeView 节点响应视图：持久化状态叠加实时健康
type nodeView struct {
	*dbinit.Node
	Health string `json:"health"`
}

func (h *NodeHandler) view(n *dbinit.Node) *nodeView {
	v := &nodeView{Node: n, Health: "not-connected"}
	if client := h.app.Registry.Get(n.ID); client != nil {
		v.Health = client.GetHealth().String()
	}
	return v
}

// List 列出节点
func (h *NodeHandler) List(c *gin.Context) {
	nodes, err := h.app.DB.DB.ListNodes()
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	views := make([]*nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, h.view(n))
	}
	c.JSON(200, gin.H{"nodes": views})
}

// Get 获取节点
func (h *NodeHandler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid node id"})
		return
	}

	n, err := h.app.DB.DB.GetNode(id)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	if n == nil {
		c.JSON(404, gin.H{"error": "node not found"})
		return
	}
	c.JSON(200, h.view(n))
}

// CreateNodeRequest 创建节点请求
type CreateNodeRequest struct {
	Name           string  `json:"name" binding:"required"`
	Address        string  `json:"address" binding:"required"`
	Port           int     `json:"port" binding:"required"`
	ConnectionType string  `json:"connection_type"`
	Coefficient    float64 `json:"coefficient"`
	ConfigID       int64   `json:"config_id" binding:"required"`
	Token          string  `json:"token" binding:"required"`
	KeepAlive      int     `json:"keep_alive"`
	LogCapacity    int     `json:"log_capacity"`
	Enabled        *bool   `json:"enabled"`
}

// Create 创建节点
func (h *NodeHandler) Create(c *gin.Context) {
	var req CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	if req.ConnectionType == "" {
		req.ConnectionType = "ws"
	}
	if req.ConnectionType != "ws" && req.ConnectionType != "rest" {
		c.JSON(400, gin.H{"error": "connection_type must be ws or rest"})
		return
	}
	if req.Coefficient <= 0 {
		req.Coefficient = 1.0
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	n := &dbinit.Node{
		Name:           req.Name,
		Address:        req.Address,
		Port:           req.Port,
		ConnectionType: req.ConnectionType,
		Coefficient:    req.Coefficient,
		ConfigID:       req.ConfigID,
		Token:          req.Token,
		KeepAlive:      req.KeepAlive,
		LogCapacity:    req.LogCapacity,
		Enabled:        enabled,
	}
	if err := h.app.DB.DB.CreateNode(n); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.JSON(201, h.view(n))
}

// Update 更新节点，连接参数变更后触发该节点重连
func (h *NodeHandler) Update(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid node id"})
		return
	}

	n, err := h.app.DB.DB.GetNode(id)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	if n == nil {
		c.JSON(404, gin.H{"error": "node not found"})
		return
	}

	var req CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	n.Name = req.Name
	n.Address = req.Address
	n.Port = req.Port
	if req.ConnectionType != "" {
		n.ConnectionType = req.ConnectionType
	}
	if req.Coefficient > 0 {
		n.Coefficient = req.Coefficient
	}
	n.ConfigID = req.ConfigID
	n.Token = req.Token
	n.KeepAlive = req.KeepAlive
	n.LogCapacity = req.LogCapacity
	if req.Enabled != nil {
		n.Enabled = *req.Enabled
	}

	if err := h.app.DB.DB.UpdateNode(n); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	// 旧客户端移出注册表，巡检会用新参数重建
	h.app.Registry.Remove(n.ID)
	c.JSON(200, h.view(n))
}

// Delete 删除节点
func (h *NodeHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid node id"})
		return
	}

	if err := h.app.DB.DB.DeleteNode(id); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	h.app.Registry.Remove(id)
	c.JSON(200, gin.H{"deleted": id})
}

// Reconnect 触发单个节点重连
func (h *NodeHandler) Reconnect(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid node id"})
		return
	}

	if err := h.app.Supervisor.Connect(id); err != nil {
		c.JSON(404, gin.H{"error": err.Error()})
		return
	}
	c.JSON(202, gin.H{"reconnecting": id})
}

// ReconnectAll 触发全部节点重连；config_id 限定配置
func (h *NodeHandler) ReconnectAll(c *gin.Context) {
	var configID int64
	if raw := c.Query("config_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(400, gin.H{"error": "invalid config_id"})
			return
		}
		configID = id
	}

	if err := h.app.Supervisor.ReconnectAll(configID); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(202, gin.H{"reconnecting": "all", "config_id": configID})
}

// SystemStats 节点系统指标
func (h *NodeHandler) SystemStats(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid node id"})
		return
	}

	client := h.app.Registry.Get(id)
	if client == nil {
		c.JSON(404, gin.H{"error": "node not registered"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	stats, err := client.GetSystemStats(ctx)
	if err != nil {
		c.JSON(502, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, stats)
}

// Logs 取节点日志缓冲中当前可读的行
func (h *NodeHandler) Logs(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid node id"})
		return
	}

	client := h.app.Registry.Get(id)
	if client == nil {
		c.JSON(404, gin.H{"error": "node not registered"})
		return
	}

	stream, err := client.GetLogs(c.Request.Context())
	if err != nil {
		c.JSON(502, gin.H{"error": err.Error()})
		return
	}

	lines := []string{}
	for {
		select {
		case line, ok := <-stream:
			if !ok {
				c.JSON(200, gin.H{"lines": lines})
				return
			}
			lines = append(lines, line)
		default:
			c.JSON(200, gin.H{"lines": lines})
			return
		}
	}
}

// Online 节点在线用户快照（需要Redis）
func (h *NodeHandler) Online(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid node id"})
		return
	}

	if !h.app.DB.HasCache() {
		c.JSON(503, gin.H{"error": "cache not available"})
		return
	}

	users, err := h.app.DB.Cache.GetOnlineUsers(id)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"node_id": id, "online": users})
}
