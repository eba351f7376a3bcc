package handlers

import (
	"net/http"
	"runtime"
	"time"

	"flowdesk/internal/metrics"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler 健康检查
type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    time.Duration `json:"uptime"`
	GoVersion string        `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime),
			GoVersion: runtime.Version(),
		},
	}

	dbStart := time.Now()
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		response.Status = "degraded"
		response.Services["database"] = ServiceInfo{Status: "down", Error: err.Error()}
	} else {
		response.Services["database"] = ServiceInfo{
			Status:  "up",
			Latency: time.Since(dbStart).String(),
		}
	}

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, response)
}

// Metrics 引擎计数器与限流计数快照
func (h *HealthHandler) Metrics(c *gin.Context) {
	rlTotal, rlBy := metrics.RateLimitSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"engine": metrics.SnapshotEngine(),
		"rate_limit": gin.H{
			"total":     rlTotal,
			"by_prefix": rlBy,
		},
	})
}
