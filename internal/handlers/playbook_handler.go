package handlers

import (
	"errors"
	"net/http"

	"flowdesk/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// PlaybookHandler 剧本模板与执行的编排接口
type PlaybookHandler struct {
	service *services.PlaybookService
}

func NewPlaybookHandler(service *services.PlaybookService) *PlaybookHandler {
	return &PlaybookHandler{service: service}
}

// CreatePlaybook 创建剧本模板
func (h *PlaybookHandler) CreatePlaybook(c *gin.Context) {
	var req services.PlaybookCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	playbook, err := h.service.CreatePlaybook(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create playbook", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, playbook)
}

// ListPlaybooks 获取剧本模板列表
func (h *PlaybookHandler) ListPlaybooks(c *gin.Context) {
	playbooks, err := h.service.ListPlaybooks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list playbooks", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, playbooks)
}

type executeRequest struct {
	CustomerID uint `json:"customer_id" binding:"required"`
}

// Execute 为客户启动剧本执行；同一剧本+客户已有活跃执行时返回 409
func (h *PlaybookHandler) Execute(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	execution, err := h.service.Execute(c.Request.Context(), id, req.CustomerID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrExecutionActive):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "Execution already active", Message: err.Error()})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Playbook not found", Message: err.Error()})
		default:
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to execute playbook", Message: err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, execution)
}

// Transition 统一处理 advance/skip/pause/resume/cancel
func (h *PlaybookHandler) Transition(c *gin.Context) {
	id, ok := parseIDParam(c, "executionId")
	if !ok {
		return
	}

	var (
		execution interface{}
		err       error
	)
	action := c.Param("action")
	switch action {
	case "advance":
		execution, err = h.service.Advance(c.Request.Context(), id)
	case "skip":
		execution, err = h.service.Skip(c.Request.Context(), id)
	case "pause":
		execution, err = h.service.Pause(c.Request.Context(), id)
	case "resume":
		execution, err = h.service.Resume(c.Request.Context(), id)
	case "cancel":
		execution, err = h.service.Cancel(c.Request.Context(), id)
	default:
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown action", Message: action})
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Execution not found", Message: err.Error()})
		case errors.Is(err, services.ErrExecutionTerminal), errors.Is(err, services.ErrTransitionConflict):
			// 返回当前快照，调用方据此决定是否重试
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "execution": execution})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Transition failed", Message: err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, execution)
}

// ListActive 所有非终态执行
func (h *PlaybookHandler) ListActive(c *gin.Context) {
	executions, err := h.service.ListActiveExecutions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list executions", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, executions)
}

// GetExecution 获取单个执行快照
func (h *PlaybookHandler) GetExecution(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	execution, err := h.service.GetExecution(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Execution not found", Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to get execution", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, execution)
}

// GetExecutionLogs 执行的步骤流水
func (h *PlaybookHandler) GetExecutionLogs(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	logs, err := h.service.ListExecutionLogs(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Execution not found", Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list logs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, logs)
}

// RegisterPlaybookRoutes 注册路由
func RegisterPlaybookRoutes(r *gin.RouterGroup, handler *PlaybookHandler) {
	playbooks := r.Group("/playbooks")
	{
		playbooks.POST("", handler.CreatePlaybook)
		playbooks.GET("", handler.ListPlaybooks)
		playbooks.GET("/active", handler.ListActive)
		playbooks.POST("/:id/execute", handler.Execute)
		playbooks.POST("/v2/:executionId/:action", handler.Transition)
		playbooks.GET("/executions/:id", handler.GetExecution)
		playbooks.GET("/executions/:id/logs", handler.GetExecutionLogs)
	}
}
