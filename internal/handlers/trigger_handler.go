package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"flowdesk/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// TriggerHandler 触发器管理与事件入口
type TriggerHandler struct {
	service *services.TriggerService
}

func NewTriggerHandler(service *services.TriggerService) *TriggerHandler {
	return &TriggerHandler{service: service}
}

// parseIDParam 解析路径里的数字 ID
func parseIDParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return 0, false
	}
	return uint(id), true
}

// CreateTrigger 创建触发器
func (h *TriggerHandler) CreateTrigger(c *gin.Context) {
	var req services.TriggerCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	trigger, err := h.service.CreateTrigger(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create trigger", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, trigger)
}

// ListTriggers 获取触发器列表
func (h *TriggerHandler) ListTriggers(c *gin.Context) {
	triggers, err := h.service.ListTriggers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list triggers", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, triggers)
}

// GetTrigger 获取单个触发器
func (h *TriggerHandler) GetTrigger(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	trigger, err := h.service.GetTrigger(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Trigger not found", Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to get trigger", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, trigger)
}

// UpdateTrigger PATCH 更新触发器
func (h *TriggerHandler) UpdateTrigger(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req services.TriggerUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	trigger, err := h.service.UpdateTrigger(c.Request.Context(), id, &req)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Trigger not found", Message: err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to update trigger", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, trigger)
}

// DeleteTrigger 删除触发器
func (h *TriggerHandler) DeleteTrigger(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteTrigger(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Trigger not found", Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to delete trigger", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// IngestEvent 外部事件入口：对所有同类型启用触发器做一轮评估
func (h *TriggerHandler) IngestEvent(c *gin.Context) {
	var evt services.Event
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error()})
		return
	}
	if evt.Type == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: "type is required"})
		return
	}

	outcomes, err := h.service.ProcessEvent(c.Request.Context(), evt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to process event", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

// ListTriggerEvents 分页返回触发器的审计事件
func (h *TriggerHandler) ListTriggerEvents(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	events, total, err := h.service.ListTriggerEvents(c.Request.Context(), id, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list events", Message: err.Error()})
		return
	}

	pages := int(total) / pageSize
	if int(total)%pageSize != 0 {
		pages++
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     events,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages,
	})
}

// GetStats 触发器总体统计
func (h *TriggerHandler) GetStats(c *gin.Context) {
	stats, err := h.service.GetTriggerStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to get stats", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RegisterTriggerRoutes 注册路由
func RegisterTriggerRoutes(r *gin.RouterGroup, handler *TriggerHandler) {
	triggers := r.Group("/triggers")
	{
		triggers.POST("", handler.CreateTrigger)
		triggers.GET("", handler.ListTriggers)
		triggers.GET("/stats", handler.GetStats)
		triggers.POST("/events", handler.IngestEvent)
		triggers.GET("/:id", handler.GetTrigger)
		triggers.PATCH("/:id", handler.UpdateTrigger)
		triggers.DELETE("/:id", handler.DeleteTrigger)
		triggers.GET("/:id/events", handler.ListTriggerEvents)
	}
}
