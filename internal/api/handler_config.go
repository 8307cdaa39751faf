package api

import (
	"strconv"

	dbinit "pasarguard/plane/db/init"
	"pasarguard/plane/internal/core"

	"github.com/gin-gonic/gin"
)

// ConfigHandler 工作配置处理器
type ConfigHandler struct {
	app *App
}

// NewConfigHandler 创建配置处理器
func NewConfigHandler(app *App) *ConfigHandler {
	return &ConfigHandler{app: app}
}

// WorkerConfigRequest 创建/更新配置请求
type WorkerConfigRequest struct {
	Name      string `json:"name" binding:"required"`
	Content   string `json:"content" binding:"required"`
	Exclude   string `json:"exclude"`
	Fallbacks string `json:"fallbacks"`
}

// List 列出配置
func (h *ConfigHandler) List(c *gin.Context) {
	configs, err := h.app.DB.DB.ListWorkerConfigs()
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"configs": configs})
}

// Get 获取配置
func (h *ConfigHandler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid config id"})
		return
	}

	cfg, err := h.app.DB.DB.GetWorkerConfig(id)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	if cfg == nil {
		c.JSON(404, gin.H{"error": "config not found"})
		return
	}
	c.JSON(200, cfg)
}

// Create 校验并创建配置
func (h *ConfigHandler) Create(c *gin.Context) {
	var req WorkerConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	cfg := &dbinit.WorkerConfig{
		Name:      req.Name,
		Content:   []byte(req.Content),
		Exclude:   req.Exclude,
		Fallbacks: req.Fallbacks,
	}
	if _, err := core.ValidateWorkerConfig(cfg); err != nil {
		c.JSON(422, gin.H{"error": err.Error()})
		return
	}

	if err := h.app.DB.DB.CreateWorkerConfig(cfg); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(201, cfg)
}

// Update 校验并更新配置，使缓存失效并重连使用方
func (h *ConfigHandler) Update(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid config id"})
		return
	}

	var req WorkerConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	cfg := &dbinit.WorkerConfig{
		ID:        id,
		Name:      req.Name,
		Content:   []byte(req.Content),
		Exclude:   req.Exclude,
		Fallbacks: req.Fallbacks,
	}
	if _, err := core.ValidateWorkerConfig(cfg); err != nil {
		c.JSON(422, gin.H{"error": err.Error()})
		return
	}

	if err := h.app.DB.DB.UpdateWorkerConfig(cfg); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	h.app.Configs.Invalidate(id)
	if err := h.app.Supervisor.ReconnectAll(id); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, cfg)
}

// Delete 删除配置
func (h *ConfigHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid config id"})
		return
	}

	if err := h.app.DB.DB.DeleteWorkerConfig(id); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	h.app.Configs.Invalidate(id)
	c.JSON(200, gin.H{"deleted": id})
}
