package handlers

import (
	"net/http"
	"time"

	"poll-ledger-backend/cache"
	"poll-ledger-backend/mq"

	"github.com/gin-gonic/gin"
)

// HealthHandler 健康检查和运维端点
type HealthHandler struct {
	mqAdapter *mq.MQAdapter
	startTime time.Time
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(adapter *mq.MQAdapter) *HealthHandler {
	return &HealthHandler{
		mqAdapter: adapter,
		startTime: time.Now(),
	}
}

// Health 返回服务健康状态
func (h *HealthHandler) Health(c *gin.Context) {
	redisStatus := "ok"
	if cache.MockMode() {
		redisStatus = "mock"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"redis":          redisStatus,
	})
}

// QueueStats 返回事件队列统计信息
func (h *HealthHandler) QueueStats(c *gin.Context) {
	if h.mqAdapter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "事件队列未配置"})
		return
	}
	c.JSON(http.StatusOK, h.mqAdapter.GetQueueStats())
}

// RetryDeadLetters 将死信队列中的事件移回主队列
func (h *HealthHandler) RetryDeadLetters(c *gin.Context) {
	if h.mqAdapter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "事件队列未配置"})
		return
	}
	if err := h.mqAdapter.RetryDeadLetters(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": true})
}
