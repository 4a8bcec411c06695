package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// 用户模型
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"unique;not null" json:"username"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	Role      string         `gorm:"default:'customer'" json:"role"` // customer, agent, admin
	Status    string         `gorm:"default:'active'" json:"status"` // active, inactive, banned
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 工单模型
type Ticket struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Title       string         `gorm:"not null" json:"title"`
	Description string         `gorm:"type:text" json:"description"`
	CustomerID  uint           `gorm:"index" json:"customer_id"`
	AgentID     *uint          `gorm:"index" json:"agent_id"`
	Category    string         `json:"category"`                         // technical, billing, general, complaint
	Priority    string         `gorm:"default:'normal'" json:"priority"` // low, normal, high, urgent
	Status      string         `gorm:"default:'open'" json:"status"`     // open, assigned, in_progress, resolved, closed
	Source      string         `json:"source"`                           // web, email, phone, chat
	Tags        string         `json:"tags"`                             // 标签，逗号分隔
	DueDate     *time.Time     `json:"due_date"`
	ResolvedAt  *time.Time     `json:"resolved_at"`
	ClosedAt    *time.Time     `json:"closed_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`

	// 关联关系
	Customer      User            `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
	Agent         *User           `gorm:"foreignKey:AgentID" json:"agent,omitempty"`
	Comments      []TicketComment `gorm:"foreignKey:TicketID" json:"comments,omitempty"`
	StatusHistory []TicketStatus  `gorm:"foreignKey:TicketID" json:"status_history,omitempty"`
}

// TagList 返回去除空白后的标签切片
func (t *Ticket) TagList() []string {
	if t.Tags == "" {
		return nil
	}
	parts := strings.Split(t.Tags, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// 工单评论
type TicketComment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Type      string    `gorm:"default:'comment'" json:"type"` // comment, internal_note, system
	CreatedAt time.Time `json:"created_at"`

	Ticket Ticket `gorm:"foreignKey:TicketID" json:"ticket,omitempty"`
	User   User   `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// 工单状态历史
type TicketStatus struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TicketID   uint      `gorm:"index" json:"ticket_id"`
	UserID     uint      `gorm:"index" json:"user_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`

	Ticket Ticket `gorm:"foreignKey:TicketID" json:"ticket,omitempty"`
	User   User   `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// 站内通知
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Recipient string    `gorm:"index" json:"recipient"` // 用户ID或角色名
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	Message   string    `gorm:"type:text" json:"message"`
	Channel   string    `gorm:"default:'in_app'" json:"channel"` // in_app, email, webhook
	Read      bool      `gorm:"default:false" json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
