package models

import "time"

// TriggerType 规则响应的事件类别（闭集）
type TriggerType string

const (
	TriggerTicketCreated   TriggerType = "ticket_created"
	TriggerTicketUpdated   TriggerType = "ticket_updated"
	TriggerCommentAdded    TriggerType = "comment_added"
	TriggerStatusChanged   TriggerType = "status_changed"
	TriggerPriorityChanged TriggerType = "priority_changed"
	TriggerAssignedChanged TriggerType = "assigned_changed"
	TriggerTimeBased       TriggerType = "time_based"
	TriggerSLABreached     TriggerType = "sla_breached"
)

// Valid 报告触发类型是否属于闭集
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerTicketCreated, TriggerTicketUpdated, TriggerCommentAdded,
		TriggerStatusChanged, TriggerPriorityChanged, TriggerAssignedChanged,
		TriggerTimeBased, TriggerSLABreached:
		return true
	}
	return false
}

// HasDelta 报告该触发类型的事件是否必须携带 from/to 变更
func (t TriggerType) HasDelta() bool {
	switch t {
	case TriggerStatusChanged, TriggerPriorityChanged, TriggerAssignedChanged:
		return true
	}
	return false
}

// ConditionOperator 条件比较操作符（闭集）
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
)

func (op ConditionOperator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// ActionType 动作类型（闭集）
type ActionType string

const (
	ActionAssignTicket     ActionType = "assign_ticket"
	ActionChangeStatus     ActionType = "change_status"
	ActionChangePriority   ActionType = "change_priority"
	ActionAddTag           ActionType = "add_tag"
	ActionRemoveTag        ActionType = "remove_tag"
	ActionSendEmail        ActionType = "send_email"
	ActionSendNotification ActionType = "send_notification"
	ActionEscalateTicket   ActionType = "escalate_ticket"
	ActionAddComment       ActionType = "add_comment"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionAssignTicket, ActionChangeStatus, ActionChangePriority,
		ActionAddTag, ActionRemoveTag, ActionSendEmail, ActionSendNotification,
		ActionEscalateTicket, ActionAddComment:
		return true
	}
	return false
}

// RuleCondition 单个 field/operator/value 谓词
type RuleCondition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    string            `json:"value"`
}

// RuleAction 单个副作用动作
type RuleAction struct {
	Type       ActionType        `json:"type"`
	Parameters map[string]string `json:"parameters"`
}

// AutomationRule 自动化规则定义
// Conditions/Actions/TriggerParams 以 JSON 文本列存储，读取时反序列化为闭集类型。
type AutomationRule struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	Name           string      `gorm:"not null" json:"name"`
	Description    string      `gorm:"type:text" json:"description"`
	TriggerType    TriggerType `gorm:"size:32;not null;index" json:"trigger_type"`
	TriggerParams  string      `gorm:"type:text" json:"-"` // JSON: map[string]string
	Conditions     string      `gorm:"type:text" json:"-"` // JSON: []RuleCondition
	Actions        string      `gorm:"type:text" json:"-"` // JSON: []RuleAction
	Categories     string      `json:"categories"`         // 适用分类，逗号分隔，空为不限
	Tags           string      `json:"tags"`               // 适用标签，逗号分隔，空为不限
	IsActive       bool        `gorm:"default:true;index" json:"is_active"`
	ExecutionCount int64       `gorm:"default:0" json:"execution_count"`
	CreatedBy      uint        `json:"created_by"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// AutomationRun 规则触发的执行记录（审计）
type AutomationRun struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	RuleID        uint      `gorm:"index" json:"rule_id"`
	TicketID      uint      `gorm:"index" json:"ticket_id"`
	EventID       string    `gorm:"size:64;index" json:"event_id"`
	EventType     string    `gorm:"size:32" json:"event_type"`
	Status        string    `gorm:"size:16;index" json:"status"` // fired, failed, dropped
	ActionResults string    `gorm:"type:text" json:"-"`          // JSON: []ActionResult
	Message       string    `gorm:"type:text" json:"message"`
	CreatedAt     time.Time `json:"created_at"`

	Rule AutomationRule `gorm:"foreignKey:RuleID" json:"rule,omitempty"`
}

// 执行记录状态常量
const (
	RunStatusFired   = "fired"
	RunStatusFailed  = "failed"
	RunStatusDropped = "dropped"
)

// RuleTemplate 内置规则模板（随系统发布，不可编辑）
type RuleTemplate struct {
	Code          string            `json:"code"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	TriggerType   TriggerType       `json:"trigger_type"`
	TriggerParams map[string]string `json:"trigger_params,omitempty"`
	Conditions    []RuleCondition   `json:"conditions"`
	Actions       []RuleAction      `json:"actions"`
}

// TicketSnapshot 条件求值使用的工单只读视图。
// 引擎不直接修改快照，所有变更经由 Ticket 服务。
type TicketSnapshot struct {
	ID         uint       `json:"id"`
	Subject    string     `json:"subject"`
	Status     string     `json:"status"`
	Priority   string     `json:"priority"`
	Category   string     `json:"category"`
	AssignedTo string     `json:"assigned_to"` // 空串表示未指派
	CreatedBy  string     `json:"created_by"`
	Tags       []string   `json:"tags"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
