package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EventDispatcher 接收工单生命周期事件（由编排器实现）
type EventDispatcher interface {
	Dispatch(evt LifecycleEvent)
}

// TicketService 工单管理服务
type TicketService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	dispatcher EventDispatcher
}

// NewTicketService 创建工单服务
func NewTicketService(db *gorm.DB, logger *logrus.Logger) *TicketService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketService{
		db:     db,
		logger: logger,
	}
}

// SetDispatcher 注入事件分发器（规避构造顺序上的循环依赖）
func (s *TicketService) SetDispatcher(d EventDispatcher) {
	s.dispatcher = d
}

func (s *TicketService) emit(evt LifecycleEvent) {
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(evt)
	}
}

// TicketCreateRequest 创建工单请求
type TicketCreateRequest struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	CustomerID  uint       `json:"customer_id" binding:"required"`
	Category    string     `json:"category"`
	Priority    string     `json:"priority"`
	Source      string     `json:"source"`
	Tags        string     `json:"tags"`
	DueDate     *time.Time `json:"due_date"`
}

// TicketUpdateRequest 更新工单请求
type TicketUpdateRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	AgentID     *uint      `json:"agent_id"`
	Category    *string    `json:"category"`
	Priority    *string    `json:"priority"`
	Status      *string    `json:"status"`
	Tags        *string    `json:"tags"`
	DueDate     *time.Time `json:"due_date"`
}

// TicketListRequest 工单列表请求
type TicketListRequest struct {
	Page       int      `form:"page,default=1"`
	PageSize   int      `form:"page_size,default=20"`
	Status     []string `form:"status"`
	Priority   []string `form:"priority"`
	Category   []string `form:"category"`
	AgentID    *uint    `form:"agent_id"`
	CustomerID *uint    `form:"customer_id"`
	Search     string   `form:"search"`
	SortBy     string   `form:"sort_by,default=created_at"`
	SortOrder  string   `form:"sort_order,default=desc"`
}

// CreateTicket 创建工单并发出 ticket_created 事件
func (s *TicketService) CreateTicket(ctx context.Context, req *TicketCreateRequest) (*models.Ticket, error) {
	var customer models.User
	if err := s.db.WithContext(ctx).First(&customer, req.CustomerID).Error; err != nil {
		return nil, fmt.Errorf("customer not found: %w", err)
	}

	// 设置默认值
	if req.Category == "" {
		req.Category = "general"
	}
	if req.Priority == "" {
		req.Priority = "normal"
	}
	if req.Source == "" {
		req.Source = "web"
	}

	ticket := &models.Ticket{
		Title:       req.Title,
		Description: req.Description,
		CustomerID:  req.CustomerID,
		Category:    req.Category,
		Priority:    req.Priority,
		Status:      "open",
		Source:      req.Source,
		Tags:        req.Tags,
		DueDate:     req.DueDate,
	}

	if err := s.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	s.recordStatusChange(ticket.ID, 0, "", "open", "工单创建")
	s.logger.Infof("Created ticket %d for customer %d", ticket.ID, req.CustomerID)

	s.emit(NewLifecycleEvent(models.TriggerTicketCreated, ticket.ID))

	return s.GetTicketByID(ctx, ticket.ID)
}

// GetTicketByID 根据ID获取工单
func (s *TicketService) GetTicketByID(ctx context.Context, ticketID uint) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.WithContext(ctx).
		Preload("Customer").
		Preload("Agent").
		Preload("Comments", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC").Preload("User")
		}).
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC").Preload("User")
		}).
		First(&ticket, ticketID).Error
	if err != nil {
		return nil, fmt.Errorf("ticket not found: %w", err)
	}
	return &ticket, nil
}

// UpdateTicket applies a partial update and emits one event per changed
// dimension: a status/priority/agent delta gets its own *_changed event, any
// other change a plain ticket_updated.
func (s *TicketService) UpdateTicket(ctx context.Context, ticketID uint, req *TicketUpdateRequest, userID uint) (*models.Ticket, error) {
	oldTicket, err := s.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	updates := make(map[string]interface{})
	var events []LifecycleEvent

	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Category != nil {
		updates["category"] = *req.Category
	}
	if req.Tags != nil {
		updates["tags"] = *req.Tags
	}
	if req.DueDate != nil {
		updates["due_date"] = *req.DueDate
	}

	if req.AgentID != nil && (oldTicket.AgentID == nil || *oldTicket.AgentID != *req.AgentID) {
		updates["agent_id"] = *req.AgentID
		events = append(events, NewChangeEvent(models.TriggerAssignedChanged, ticketID,
			agentName(s.db, oldTicket.AgentID), agentName(s.db, req.AgentID)))
	}

	if req.Priority != nil && *req.Priority != oldTicket.Priority {
		updates["priority"] = *req.Priority
		events = append(events, NewChangeEvent(models.TriggerPriorityChanged, ticketID, oldTicket.Priority, *req.Priority))
	}

	if req.Status != nil && *req.Status != oldTicket.Status {
		updates["status"] = *req.Status
		switch *req.Status {
		case "resolved":
			now := time.Now()
			updates["resolved_at"] = &now
		case "closed":
			now := time.Now()
			updates["closed_at"] = &now
		}
		s.recordStatusChange(ticketID, userID, oldTicket.Status, *req.Status, "状态更新")
		events = append(events, NewChangeEvent(models.TriggerStatusChanged, ticketID, oldTicket.Status, *req.Status))
	}

	if len(updates) == 0 {
		return oldTicket, nil
	}

	if err := s.db.WithContext(ctx).Model(&models.Ticket{}).Where("id = ?", ticketID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}

	s.logger.Infof("Updated ticket %d by user %d", ticketID, userID)

	if len(events) == 0 {
		events = append(events, NewLifecycleEvent(models.TriggerTicketUpdated, ticketID))
	}
	for _, evt := range events {
		s.emit(evt)
	}

	return s.GetTicketByID(ctx, ticketID)
}

// ListTickets 获取工单列表
func (s *TicketService) ListTickets(ctx context.Context, req *TicketListRequest) ([]models.Ticket, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Preload("Customer").
		Preload("Agent")

	if len(req.Status) > 0 {
		query = query.Where("status IN ?", req.Status)
	}
	if len(req.Priority) > 0 {
		query = query.Where("priority IN ?", req.Priority)
	}
	if len(req.Category) > 0 {
		query = query.Where("category IN ?", req.Category)
	}
	if req.AgentID != nil {
		query = query.Where("agent_id = ?", *req.AgentID)
	}
	if req.CustomerID != nil {
		query = query.Where("customer_id = ?", *req.CustomerID)
	}
	if req.Search != "" {
		searchTerm := "%" + req.Search + "%"
		query = query.Where("title LIKE ? OR description LIKE ? OR tags LIKE ?",
			searchTerm, searchTerm, searchTerm)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tickets: %w", err)
	}

	query = query.Order(fmt.Sprintf("%s %s", req.SortBy, req.SortOrder))
	query = query.Offset((req.Page - 1) * req.PageSize).Limit(req.PageSize)

	var tickets []models.Ticket
	if err := query.Find(&tickets).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list tickets: %w", err)
	}
	return tickets, total, nil
}

// AssignTicket 人工指派工单并发出 assigned_changed 事件
func (s *TicketService) AssignTicket(ctx context.Context, ticketID, agentID, assignerID uint) error {
	var agent models.User
	if err := s.db.WithContext(ctx).Where("id = ? AND role IN ?", agentID, []string{"agent", "admin"}).First(&agent).Error; err != nil {
		return fmt.Errorf("agent not available: %w", err)
	}

	oldTicket, err := s.GetTicketByID(ctx, ticketID)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"agent_id": agentID,
		"status":   "assigned",
	}
	if err := s.db.WithContext(ctx).Model(&models.Ticket{}).Where("id = ?", ticketID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to assign ticket: %w", err)
	}

	s.recordStatusChange(ticketID, assignerID, oldTicket.Status, "assigned", fmt.Sprintf("分配给客服 %s", agent.Username))
	s.logger.Infof("Assigned ticket %d to agent %d", ticketID, agentID)

	s.emit(NewChangeEvent(models.TriggerAssignedChanged, ticketID, agentName(s.db, oldTicket.AgentID), agent.Username))
	return nil
}

// AddComment 添加工单评论并发出 comment_added 事件
func (s *TicketService) AddComment(ctx context.Context, ticketID, userID uint, content, commentType string) (*models.TicketComment, error) {
	if commentType == "" {
		commentType = "comment"
	}

	comment := &models.TicketComment{
		TicketID: ticketID,
		UserID:   userID,
		Content:  content,
		Type:     commentType,
	}
	if err := s.db.WithContext(ctx).Create(comment).Error; err != nil {
		return nil, fmt.Errorf("failed to add comment: %w", err)
	}

	s.db.WithContext(ctx).Preload("User").First(comment, comment.ID)
	s.logger.Infof("Added comment to ticket %d by user %d", ticketID, userID)

	s.emit(NewLifecycleEvent(models.TriggerCommentAdded, ticketID))
	return comment, nil
}

// Snapshot 构建工单的只读视图
func (s *TicketService) Snapshot(ctx context.Context, ticketID uint) (*models.TicketSnapshot, error) {
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).Preload("Customer").Preload("Agent").First(&ticket, ticketID).Error; err != nil {
		return nil, fmt.Errorf("ticket not found: %w", err)
	}

	snap := &models.TicketSnapshot{
		ID:        ticket.ID,
		Subject:   ticket.Title,
		Status:    ticket.Status,
		Priority:  ticket.Priority,
		Category:  ticket.Category,
		CreatedBy: ticket.Customer.Username,
		Tags:      ticket.TagList(),
		DueDate:   ticket.DueDate,
		CreatedAt: ticket.CreatedAt,
		UpdatedAt: ticket.UpdatedAt,
	}
	if ticket.Agent != nil {
		snap.AssignedTo = ticket.Agent.Username
	}
	return snap, nil
}

// recordStatusChange 记录状态变更历史
func (s *TicketService) recordStatusChange(ticketID, userID uint, fromStatus, toStatus, reason string) {
	statusChange := &models.TicketStatus{
		TicketID:   ticketID,
		UserID:     userID,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		Reason:     reason,
	}
	if err := s.db.Create(statusChange).Error; err != nil {
		s.logger.Errorf("Failed to record status change for ticket %d: %v", ticketID, err)
	}
}

func agentName(db *gorm.DB, agentID *uint) string {
	if agentID == nil {
		return ""
	}
	var user models.User
	if err := db.First(&user, *agentID).Error; err != nil {
		return ""
	}
	return user.Username
}

// ========== 引擎侧边界 ==========

// TicketBoundary adapts the ticket service for the automation engine. Its
// mutations deliberately bypass event emission: derived events are the
// orchestrator's job, and double-firing here would defeat the depth guard.
type TicketBoundary struct {
	svc *TicketService
}

// NewTicketBoundary 创建引擎侧工单边界
func NewTicketBoundary(svc *TicketService) *TicketBoundary {
	return &TicketBoundary{svc: svc}
}

// GetTicketSnapshot 读取工单快照
func (b *TicketBoundary) GetTicketSnapshot(ctx context.Context, ticketID uint) (*models.TicketSnapshot, error) {
	return b.svc.Snapshot(ctx, ticketID)
}

// AssignTicket resolves the assignee by username and assigns silently.
// "unassigned" clears the assignment and reopens the ticket.
func (b *TicketBoundary) AssignTicket(ctx context.Context, ticketID uint, assignee string) error {
	if assignee == "unassigned" {
		updates := map[string]interface{}{
			"agent_id": nil,
			"status":   "open",
		}
		if err := b.svc.db.WithContext(ctx).Model(&models.Ticket{}).Where("id = ?", ticketID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to unassign ticket: %w", err)
		}
		return nil
	}

	var user models.User
	if err := b.svc.db.WithContext(ctx).Where("username = ?", assignee).First(&user).Error; err != nil {
		return fmt.Errorf("assignee %q not found: %w", assignee, err)
	}
	updates := map[string]interface{}{
		"agent_id": user.ID,
		"status":   "assigned",
	}
	if err := b.svc.db.WithContext(ctx).Model(&models.Ticket{}).Where("id = ?", ticketID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to assign ticket: %w", err)
	}
	b.svc.recordStatusChange(ticketID, 0, "", "assigned", fmt.Sprintf("自动化规则指派给 %s", assignee))
	return nil
}

// UpdateTicket applies field updates. Only status and priority are accepted.
func (b *TicketBoundary) UpdateTicket(ctx context.Context, ticketID uint, fields map[string]string) error {
	updates := make(map[string]interface{})
	for field, value := range fields {
		switch field {
		case "status":
			updates["status"] = value
			switch value {
			case "resolved":
				now := time.Now()
				updates["resolved_at"] = &now
			case "closed":
				now := time.Now()
				updates["closed_at"] = &now
			}
		case "priority":
			updates["priority"] = value
		default:
			return fmt.Errorf("field %q not updatable by automation", field)
		}
	}
	if len(updates) == 0 {
		return errors.New("no updatable fields")
	}

	result := b.svc.db.WithContext(ctx).Model(&models.Ticket{}).Where("id = ?", ticketID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update ticket: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("ticket %d not found", ticketID)
	}
	return nil
}

// UpdateTags adds or removes one tag on the comma-separated tag column.
func (b *TicketBoundary) UpdateTags(ctx context.Context, ticketID uint, tag string, add bool) error {
	var ticket models.Ticket
	if err := b.svc.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		return fmt.Errorf("ticket not found: %w", err)
	}

	tags := ticket.TagList()
	if add {
		if containsString(tags, tag) {
			return nil
		}
		tags = append(tags, tag)
	} else {
		kept := tags[:0]
		for _, t := range tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		tags = kept
	}

	return b.svc.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ticketID).
		Update("tags", strings.Join(tags, ",")).Error
}

// priorityLadder 升级时的优先级阶梯
var priorityLadder = []string{"low", "normal", "high", "urgent"}

// Escalate bumps the priority one step, optionally reassigns, and leaves a
// system comment on the ticket.
func (b *TicketBoundary) Escalate(ctx context.Context, ticketID uint, to string) error {
	var ticket models.Ticket
	if err := b.svc.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		return fmt.Errorf("ticket not found: %w", err)
	}

	next := ticket.Priority
	for i, p := range priorityLadder {
		if p == ticket.Priority && i < len(priorityLadder)-1 {
			next = priorityLadder[i+1]
			break
		}
	}

	updates := map[string]interface{}{"priority": next}
	if to != "" {
		var user models.User
		if err := b.svc.db.WithContext(ctx).Where("username = ?", to).First(&user).Error; err == nil {
			updates["agent_id"] = user.ID
		}
	}
	if err := b.svc.db.WithContext(ctx).Model(&models.Ticket{}).Where("id = ?", ticketID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to escalate ticket: %w", err)
	}

	return b.AddComment(ctx, ticketID, fmt.Sprintf("工单已升级：优先级 %s → %s", ticket.Priority, next))
}

// AddComment leaves a system comment without emitting comment_added.
func (b *TicketBoundary) AddComment(ctx context.Context, ticketID uint, text string) error {
	comment := &models.TicketComment{
		TicketID: ticketID,
		Content:  text,
		Type:     "system",
	}
	if err := b.svc.db.WithContext(ctx).Create(comment).Error; err != nil {
		return fmt.Errorf("failed to add comment: %w", err)
	}
	return nil
}
