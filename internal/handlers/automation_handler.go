package handlers

import (
	"errors"
	"net/http"

	"flowdesk/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AutomationHandler 自动化规则管理
// 创建支持两条路径：结构化 JSON，或带 description 的自然语言描述。
type AutomationHandler struct {
	service *services.AutomationService
}

func NewAutomationHandler(service *services.AutomationService) *AutomationHandler {
	return &AutomationHandler{service: service}
}

// automationCreateBody 同时容纳结构化字段与自然语言描述。
// 结构化字段缺失而 description 非空时，走解析路径。
type automationCreateBody struct {
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	TriggerType     string                 `json:"trigger_type"`
	TriggerConfig   map[string]interface{} `json:"trigger_config"`
	Conditions      []services.Condition   `json:"conditions"`
	Actions         []services.Action      `json:"actions"`
	Schedule        string                 `json:"schedule"`
	Enabled         *bool                  `json:"enabled"`
	CooldownMinutes int                    `json:"cooldown_minutes"`
	MaxRunsPerDay   int                    `json:"max_runs_per_day"`
}

// CreateAutomation 创建自动化规则。?preview=true 时只返回解析结果，不落库。
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	var body automationCreateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	preview := c.Query("preview") == "true"

	if body.Name == "" && body.TriggerType == "" && body.Description != "" {
		if preview {
			parsed, err := h.service.ParseDescription(c.Request.Context(), body.Description)
			if err != nil {
				h.respondParseError(c, err)
				return
			}
			c.JSON(http.StatusOK, SuccessResponse{Message: "preview", Data: parsed})
			return
		}

		automation, err := h.service.CreateFromDescription(c.Request.Context(), body.Description)
		if err != nil {
			h.respondParseError(c, err)
			return
		}
		c.JSON(http.StatusCreated, automation)
		return
	}

	if preview {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "preview requires a description"})
		return
	}

	req := services.AutomationCreateRequest{
		Name:            body.Name,
		Description:     body.Description,
		TriggerType:     body.TriggerType,
		TriggerConfig:   body.TriggerConfig,
		Conditions:      body.Conditions,
		Actions:         body.Actions,
		Schedule:        body.Schedule,
		Enabled:         body.Enabled,
		CooldownMinutes: body.CooldownMinutes,
		MaxRunsPerDay:   body.MaxRunsPerDay,
	}
	automation, err := h.service.CreateAutomation(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, automation)
}

func (h *AutomationHandler) respondParseError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrParserUnavailable) {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Parser unavailable", Message: err.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to parse description", Message: err.Error()})
}

// ListAutomations 获取自动化规则列表
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	automations, err := h.service.ListAutomations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list automations", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automations)
}

// GetAutomation 获取单条自动化规则
func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	automation, err := h.service.GetAutomation(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Automation not found", Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to get automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automation)
}

// UpdateAutomation PATCH：仅 name/description/enabled
func (h *AutomationHandler) UpdateAutomation(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req services.AutomationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	automation, err := h.service.UpdateAutomation(c.Request.Context(), id, &req)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Automation not found", Message: err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to update automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automation)
}

// DeleteAutomation 删除自动化规则；被活跃执行引用时返回 409
func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteAutomation(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Automation not found", Message: err.Error()})
		case errors.Is(err, services.ErrAutomationReferenced):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "Automation in use", Message: err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to delete automation", Message: err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// RunAutomation 手动运行，仍受冷却与每日上限约束
func (h *AutomationHandler) RunAutomation(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var payload map[string]interface{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid payload", Message: err.Error()})
			return
		}
	}

	outcome, err := h.service.Run(c.Request.Context(), id, payload)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Automation not found", Message: err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to run automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// GetStats 自动化总体统计
func (h *AutomationHandler) GetStats(c *gin.Context) {
	stats, err := h.service.GetAutomationStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to get stats", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.POST("", handler.CreateAutomation)
		auto.GET("", handler.ListAutomations)
		auto.GET("/stats", handler.GetStats)
		auto.GET("/:id", handler.GetAutomation)
		auto.PATCH("/:id", handler.UpdateAutomation)
		auto.DELETE("/:id", handler.DeleteAutomation)
		auto.POST("/:id/run", handler.RunAutomation)
	}
}
