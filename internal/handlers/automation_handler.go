package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"deskflow/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler 自动化规则管理接口
type AutomationHandler struct {
	rules        *services.RuleService
	orchestrator *services.Orchestrator
}

func NewAutomationHandler(rules *services.RuleService, orchestrator *services.Orchestrator) *AutomationHandler {
	return &AutomationHandler{rules: rules, orchestrator: orchestrator}
}

// ListRules 获取规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	var req services.RuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}

	rules, total, err := h.rules.ListRules(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list rules", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     rules,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Pages:    pageCount(total, req.PageSize),
	})
}

// CreateRule 创建规则
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.RuleCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	req.CreatedBy = currentUserID(c)

	rule, err := h.rules.CreateRule(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create rule", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, rule)
}

// GetRule 获取规则详情
func (h *AutomationHandler) GetRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	rule, err := h.rules.GetRule(c.Request.Context(), id)
	if err != nil {
		c.JSON(ruleErrStatus(err), ErrorResponse{Error: "Failed to get rule", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, rule)
}

// UpdateRule 更新规则
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req services.RuleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.rules.UpdateRule(c.Request.Context(), id, &req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, services.ErrRuleNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to update rule", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.rules.DeleteRule(c.Request.Context(), id); err != nil {
		c.JSON(ruleErrStatus(err), ErrorResponse{Error: "Failed to delete rule", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// ToggleRule 启停规则
func (h *AutomationHandler) ToggleRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	if err := h.rules.ToggleActive(c.Request.Context(), id, req.Active); err != nil {
		c.JSON(ruleErrStatus(err), ErrorResponse{Error: "Failed to toggle rule", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "updated"})
}

// TestRule 对指定工单试运行规则（无副作用）
func (h *AutomationHandler) TestRule(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req struct {
		TicketID uint `json:"ticket_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	result, err := h.orchestrator.TestRule(c.Request.Context(), id, req.TicketID)
	if err != nil {
		c.JSON(ruleErrStatus(err), ErrorResponse{Error: "Failed to test rule", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListTemplates 获取内置模板库
func (h *AutomationHandler) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, h.rules.ListTemplates())
}

// CloneTemplate 从模板克隆出新规则（克隆后默认停用）
func (h *AutomationHandler) CloneTemplate(c *gin.Context) {
	code := c.Param("code")

	rule, err := h.rules.CloneTemplate(c.Request.Context(), code, currentUserID(c))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, services.ErrTemplateNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to clone template", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, rule)
}

// ListRuns 查询执行记录
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	var req services.RunListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}

	runs, total, err := h.rules.ListRuns(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list runs", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     runs,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Pages:    pageCount(total, req.PageSize),
	})
}

// Stats 引擎计数器
func (h *AutomationHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Stats())
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automation")
	{
		auto.GET("/rules", handler.ListRules)
		auto.POST("/rules", handler.CreateRule)
		auto.GET("/rules/:id", handler.GetRule)
		auto.PUT("/rules/:id", handler.UpdateRule)
		auto.DELETE("/rules/:id", handler.DeleteRule)
		auto.POST("/rules/:id/toggle", handler.ToggleRule)
		auto.POST("/rules/:id/test", handler.TestRule)
		auto.GET("/templates", handler.ListTemplates)
		auto.POST("/templates/:code/clone", handler.CloneTemplate)
		auto.GET("/runs", handler.ListRuns)
		auto.GET("/stats", handler.Stats)
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return 0, false
	}
	return uint(id), true
}

func ruleErrStatus(err error) int {
	if errors.Is(err, services.ErrRuleNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func currentUserID(c *gin.Context) uint {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(uint); ok {
			return id
		}
	}
	return 0
}
