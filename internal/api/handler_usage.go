package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// UsageHandler 流量查询处理器
type UsageHandler struct {
	app *App
}

// NewUsageHandler 创建流量处理器
func NewUsageHandler(app *App) *UsageHandler {
	return &UsageHandler{app: app}
}

// parseRange 解析 from/to 查询参数（RFC3339），缺省为最近24小时
func parseRange(c *gin.Context) (time.Time, time.Time, bool) {
	now := time.Now()
	from := now.Add(-24 * time.Hour)
	to := now

	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(400, gin.H{"error": "invalid from timestamp"})
			return from, to, false
		}
		from = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(400, gin.H{"error": "invalid to timestamp"})
			return from, to, false
		}
		to = t
	}
	return from, to, true
}

// System 全局累计流量
func (h *UsageHandler) System(c *gin.Context) {
	usage, err := h.app.DB.DB.GetSystemUsage()
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, usage)
}

// Nodes 按节点的小时流量
func (h *UsageHandler) Nodes(c *gin.Context) {
	from, to, ok := parseRange(c)
	if !ok {
		return
	}

	usages, err := h.app.DB.DB.NodeUsages(from, to)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"usages": usages})
}

// User 某用户按节点的小时明细
func (h *UsageHandler) User(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid user id"})
		return
	}

	from, to, ok := parseRange(c)
	if !ok {
		return
	}

	usages, err := h.app.DB.DB.NodeUserUsages(userID, from, to)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"usages": usages})
}
