package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"deskflow/internal/metrics"
	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
)

// TicketAPI is the boundary to the ticket service. The engine only mutates
// tickets through it.
type TicketAPI interface {
	GetTicketSnapshot(ctx context.Context, ticketID uint) (*models.TicketSnapshot, error)
	AssignTicket(ctx context.Context, ticketID uint, assignee string) error
	UpdateTicket(ctx context.Context, ticketID uint, fields map[string]string) error
	UpdateTags(ctx context.Context, ticketID uint, tag string, add bool) error
	Escalate(ctx context.Context, ticketID uint, to string) error
	AddComment(ctx context.Context, ticketID uint, text string) error
}

// Notifier is the boundary to the notification service.
type Notifier interface {
	SendEmail(ctx context.Context, template, recipient string, tctx map[string]string) error
	SendNotification(ctx context.Context, message, recipient string, tctx map[string]string) error
}

// ActionResult records the outcome of one action, in declaration order.
type ActionResult struct {
	ActionType models.ActionType `json:"action_type"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
}

// ErrMissingParameter is the per-action error string recorded when a rule
// omits a parameter the action requires.
const ErrMissingParameter = "missing_parameter"

// ActionExecutor dispatches rule actions against the ticket and notification
// boundaries, best effort: a failing action never aborts its siblings.
type ActionExecutor struct {
	tickets  TicketAPI
	notifier Notifier
	logger   *logrus.Logger
	timeout  time.Duration
}

// NewActionExecutor 创建动作执行器。timeout 为单个动作的外部调用超时。
func NewActionExecutor(tickets TicketAPI, notifier Notifier, logger *logrus.Logger, timeout time.Duration) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ActionExecutor{tickets: tickets, notifier: notifier, logger: logger, timeout: timeout}
}

// Execute runs the actions strictly in declaration order and collects one
// result per action. Failures are recorded, logged and skipped over — the
// "fired" bookkeeping belongs to the caller, not to individual actions.
func (e *ActionExecutor) Execute(ctx context.Context, actions []models.RuleAction, snap *models.TicketSnapshot, ruleID uint) []ActionResult {
	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		err := e.executeOne(ctx, action, snap)
		result := ActionResult{ActionType: action.Type, Success: err == nil}
		if err != nil {
			result.Error = err.Error()
			metrics.IncActionFailed()
			e.logger.Warnf("automation: rule %d action %s failed on ticket %d: %v",
				ruleID, action.Type, snap.ID, err)
		}
		results = append(results, result)
	}
	return results
}

func (e *ActionExecutor) executeOne(ctx context.Context, action models.RuleAction, snap *models.TicketSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	params := action.Parameters

	switch action.Type {
	case models.ActionAssignTicket:
		assignee, ok := params["assignee"]
		if !ok || assignee == "" {
			return errors.New(ErrMissingParameter)
		}
		return e.tickets.AssignTicket(ctx, snap.ID, assignee)

	case models.ActionChangeStatus:
		value, ok := params["value"]
		if !ok || value == "" {
			return errors.New(ErrMissingParameter)
		}
		return e.tickets.UpdateTicket(ctx, snap.ID, map[string]string{"status": value})

	case models.ActionChangePriority:
		value, ok := params["value"]
		if !ok || value == "" {
			return errors.New(ErrMissingParameter)
		}
		return e.tickets.UpdateTicket(ctx, snap.ID, map[string]string{"priority": value})

	case models.ActionAddTag:
		tag, ok := params["tag"]
		if !ok || tag == "" {
			return errors.New(ErrMissingParameter)
		}
		return e.tickets.UpdateTags(ctx, snap.ID, tag, true)

	case models.ActionRemoveTag:
		tag, ok := params["tag"]
		if !ok || tag == "" {
			return errors.New(ErrMissingParameter)
		}
		return e.tickets.UpdateTags(ctx, snap.ID, tag, false)

	case models.ActionSendEmail:
		body := firstParam(params, "template", "message")
		if body == "" {
			return errors.New(ErrMissingParameter)
		}
		return e.notifier.SendEmail(ctx, RenderTemplate(body, snap), params["to"], templateContext(snap))

	case models.ActionSendNotification:
		body := firstParam(params, "message", "template")
		if body == "" {
			return errors.New(ErrMissingParameter)
		}
		return e.notifier.SendNotification(ctx, RenderTemplate(body, snap), params["to"], templateContext(snap))

	case models.ActionEscalateTicket:
		// "to" 可选：角色或用户
		return e.tickets.Escalate(ctx, snap.ID, params["to"])

	case models.ActionAddComment:
		comment, ok := params["comment"]
		if !ok || comment == "" {
			return errors.New(ErrMissingParameter)
		}
		return e.tickets.AddComment(ctx, snap.ID, RenderTemplate(comment, snap))

	default:
		// 写入时已校验；存量数据里出现未知类型按单动作失败处理
		return fmt.Errorf("unsupported action type: %s", action.Type)
	}
}

// RenderTemplate substitutes {{ticket.*}} placeholders from the snapshot.
func RenderTemplate(text string, snap *models.TicketSnapshot) string {
	if snap == nil || !strings.Contains(text, "{{") {
		return text
	}
	replacer := strings.NewReplacer(
		"{{ticket.id}}", strconv.FormatUint(uint64(snap.ID), 10),
		"{{ticket.subject}}", snap.Subject,
		"{{ticket.status}}", snap.Status,
		"{{ticket.priority}}", snap.Priority,
		"{{ticket.category}}", snap.Category,
		"{{ticket.assigned_to}}", snap.AssignedTo,
	)
	return replacer.Replace(text)
}

func templateContext(snap *models.TicketSnapshot) map[string]string {
	return map[string]string{
		"ticket_id": strconv.FormatUint(uint64(snap.ID), 10),
		"subject":   snap.Subject,
		"status":    snap.Status,
		"priority":  snap.Priority,
	}
}

func firstParam(params map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := params[k]; v != "" {
			return v
		}
	}
	return ""
}
