package services

import (
	"context"
	"errors"
	"fmt"

	"deskflow/internal/models"
)

// ErrTemplateNotFound 模板不存在
var ErrTemplateNotFound = errors.New("template not found")

// ruleTemplates 随系统发布的内置模板。只读，克隆后才成为可编辑规则。
var ruleTemplates = []models.RuleTemplate{
	{
		Code:        "urgent_auto_assign",
		Name:        "紧急工单自动指派",
		Description: "新建的紧急工单立即指派给值班坐席并通知",
		TriggerType: models.TriggerTicketCreated,
		Conditions: []models.RuleCondition{
			{Field: "priority", Operator: models.OpEquals, Value: "urgent"},
		},
		Actions: []models.RuleAction{
			{Type: models.ActionAssignTicket, Parameters: map[string]string{"assignee": "on-call"}},
			{Type: models.ActionSendNotification, Parameters: map[string]string{
				"to":      "on-call",
				"message": "紧急工单 #{{ticket.id}}: {{ticket.subject}}",
			}},
		},
	},
	{
		Code:        "stale_ticket_reminder",
		Name:        "滞留工单提醒",
		Description: "处理中的工单超过一天无更新时提醒负责人",
		TriggerType: models.TriggerTimeBased,
		TriggerParams: map[string]string{
			"minutes": "1440",
		},
		Conditions: []models.RuleCondition{
			{Field: "status", Operator: models.OpEquals, Value: "in_progress"},
		},
		Actions: []models.RuleAction{
			{Type: models.ActionSendNotification, Parameters: map[string]string{
				"message": "工单 #{{ticket.id}} 已超过 24 小时未更新",
			}},
			{Type: models.ActionAddTag, Parameters: map[string]string{"tag": "stale"}},
		},
	},
	{
		Code:        "sla_breach_escalation",
		Name:        "SLA 违约升级",
		Description: "超过截止时间的工单升级并记录系统备注",
		TriggerType: models.TriggerSLABreached,
		Conditions: []models.RuleCondition{
			{Field: "status", Operator: models.OpNotEquals, Value: "closed"},
		},
		Actions: []models.RuleAction{
			{Type: models.ActionEscalateTicket, Parameters: map[string]string{"to": "supervisor"}},
			{Type: models.ActionAddComment, Parameters: map[string]string{
				"comment": "工单 #{{ticket.id}} 已超出 SLA 截止时间，自动升级处理",
			}},
		},
	},
	{
		Code:        "resolved_auto_close",
		Name:        "已解决工单自动关闭",
		Description: "状态变为已解决时标记待关闭并通知客户",
		TriggerType: models.TriggerStatusChanged,
		TriggerParams: map[string]string{
			"to": "resolved",
		},
		Actions: []models.RuleAction{
			{Type: models.ActionAddTag, Parameters: map[string]string{"tag": "pending-close"}},
			{Type: models.ActionSendEmail, Parameters: map[string]string{
				"template": "您的工单 {{ticket.subject}} 已解决，如无异议将自动关闭",
			}},
		},
	},
	{
		Code:        "billing_routing",
		Name:        "账单类工单分流",
		Description: "账单分类的新工单指派给账务组",
		TriggerType: models.TriggerTicketCreated,
		Conditions: []models.RuleCondition{
			{Field: "category", Operator: models.OpEquals, Value: "billing"},
		},
		Actions: []models.RuleAction{
			{Type: models.ActionAssignTicket, Parameters: map[string]string{"assignee": "billing-team"}},
			{Type: models.ActionAddTag, Parameters: map[string]string{"tag": "billing"}},
		},
	},
}

// ListTemplates returns the built-in template library.
func (s *RuleService) ListTemplates() []models.RuleTemplate {
	out := make([]models.RuleTemplate, len(ruleTemplates))
	copy(out, ruleTemplates)
	return out
}

// GetTemplate 按 code 查找内置模板
func (s *RuleService) GetTemplate(code string) (*models.RuleTemplate, error) {
	for i := range ruleTemplates {
		if ruleTemplates[i].Code == code {
			tpl := ruleTemplates[i]
			return &tpl, nil
		}
	}
	return nil, ErrTemplateNotFound
}

// CloneTemplate materializes a template as a new, inactive rule owned by the
// caller. The clone is a plain rule afterwards; edits never touch the library.
func (s *RuleService) CloneTemplate(ctx context.Context, code string, createdBy uint) (*models.AutomationRule, error) {
	tpl, err := s.GetTemplate(code)
	if err != nil {
		return nil, err
	}

	inactive := false
	rule, err := s.CreateRule(ctx, &RuleCreateRequest{
		Name:          tpl.Name,
		Description:   tpl.Description,
		TriggerType:   tpl.TriggerType,
		TriggerParams: tpl.TriggerParams,
		Conditions:    tpl.Conditions,
		Actions:       tpl.Actions,
		IsActive:      &inactive,
		CreatedBy:     createdBy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone template %s: %w", code, err)
	}
	s.logger.Infof("automation: cloned template %s into rule %d", code, rule.ID)
	return rule, nil
}
