package handlers

import (
	"net/http"

	"deskflow/internal/services"
	"deskflow/pkg/utils"

	"github.com/gin-gonic/gin"
)

// TicketHandler 工单接口（自动化事件的主要来源）
type TicketHandler struct {
	tickets *services.TicketService
}

func NewTicketHandler(tickets *services.TicketService) *TicketHandler {
	return &TicketHandler{tickets: tickets}
}

// CreateTicket 创建工单
func (h *TicketHandler) CreateTicket(c *gin.Context) {
	var req services.TicketCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	ticket, err := h.tickets.CreateTicket(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create ticket", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, ticket)
}

// GetTicket 获取工单详情
func (h *TicketHandler) GetTicket(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ticket, err := h.tickets.GetTicketByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Ticket not found", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// ListTickets 获取工单列表
func (h *TicketHandler) ListTickets(c *gin.Context) {
	var req services.TicketListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}

	tickets, total, err := h.tickets.ListTickets(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list tickets", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     tickets,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Pages:    pageCount(total, req.PageSize),
	})
}

// UpdateTicket 更新工单
func (h *TicketHandler) UpdateTicket(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req services.TicketUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	ticket, err := h.tickets.UpdateTicket(c.Request.Context(), id, &req, currentUserID(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to update ticket", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// AddComment 添加评论
func (h *TicketHandler) AddComment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
		Type    string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if !utils.ValidateMessage(req.Content) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "comment content too long or empty"})
		return
	}

	comment, err := h.tickets.AddComment(c.Request.Context(), id, currentUserID(c), req.Content, req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to add comment", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, comment)
}

// AssignTicket 指派工单
func (h *TicketHandler) AssignTicket(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req struct {
		AgentID uint `json:"agent_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	if err := h.tickets.AssignTicket(c.Request.Context(), id, req.AgentID, currentUserID(c)); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to assign ticket", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "assigned"})
}

// RegisterTicketRoutes 注册路由
func RegisterTicketRoutes(r *gin.RouterGroup, handler *TicketHandler) {
	tickets := r.Group("/tickets")
	{
		tickets.GET("", handler.ListTickets)
		tickets.POST("", handler.CreateTicket)
		tickets.GET("/:id", handler.GetTicket)
		tickets.PUT("/:id", handler.UpdateTicket)
		tickets.POST("/:id/comments", handler.AddComment)
		tickets.POST("/:id/assign", handler.AssignTicket)
	}
}
