package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"deskflow/internal/metrics"
	"deskflow/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// MaxEventDepth caps the derived-event chain. An event at depth 5 may still
// fire rules, but its own derived events are dropped.
const MaxEventDepth = 5

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	QueueSize int    // 事件队列长度，默认 256
	ScanSpec  string // 周期扫描的 cron 表达式，默认每分钟
}

type queuedEvent struct {
	evt   LifecycleEvent
	depth int
}

// Orchestrator wires the matcher, evaluator and executor into the event loop:
// one worker drains a bounded queue, a cron schedule feeds the time-based and
// SLA scans, and derived events re-enter the queue one level deeper.
type Orchestrator struct {
	db       *gorm.DB
	rules    *RuleService
	executor *ActionExecutor
	tickets  TicketAPI
	logger   *logrus.Logger
	tracer   trace.Tracer

	queue chan queuedEvent
	cron  *cron.Cron
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewOrchestrator 创建自动化编排器
func NewOrchestrator(db *gorm.DB, rules *RuleService, executor *ActionExecutor, tickets TicketAPI, logger *logrus.Logger, cfg OrchestratorConfig) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ScanSpec == "" {
		cfg.ScanSpec = "@every 1m"
	}

	o := &Orchestrator{
		db:       db,
		rules:    rules,
		executor: executor,
		tickets:  tickets,
		logger:   logger,
		tracer:   otel.Tracer("deskflow.automation.orchestrator"),
		queue:    make(chan queuedEvent, cfg.QueueSize),
		cron:     cron.New(),
	}
	if _, err := o.cron.AddFunc(cfg.ScanSpec, o.runScheduledScan); err != nil {
		logger.Warnf("automation: bad scan spec %q, falling back to @every 1m: %v", cfg.ScanSpec, err)
		o.cron.AddFunc("@every 1m", o.runScheduledScan)
	}
	return o
}

// Start 启动事件循环与周期扫描
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.wg.Add(1)
	go o.loop(ctx)
	o.cron.Start()
	o.logger.Info("automation: orchestrator started")
}

// Stop 停止扫描并排空队列
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	o.cron.Stop()
	o.cancel()
	o.wg.Wait()
	o.logger.Info("automation: orchestrator stopped")
}

// Dispatch hands a ticket lifecycle event to the engine. Never blocks the
// caller: when the queue is saturated the event is dropped with a warning.
func (o *Orchestrator) Dispatch(evt LifecycleEvent) {
	o.enqueue(evt, 0)
}

func (o *Orchestrator) enqueue(evt LifecycleEvent, depth int) {
	select {
	case o.queue <- queuedEvent{evt: evt, depth: depth}:
	default:
		o.logger.Warnf("automation: event queue full, dropping %s for ticket %d", evt.Type, evt.TicketID)
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// 尽量排空已入队的事件再退出
			for {
				select {
				case qe := <-o.queue:
					o.processEvent(context.Background(), qe.evt, qe.depth)
				default:
					return
				}
			}
		case qe := <-o.queue:
			o.processEvent(ctx, qe.evt, qe.depth)
		}
	}
}

// processEvent runs one orchestration pass: snapshot, then for every active
// rule scope → trigger → conditions → actions. Each qualifying rule fires at
// most once per event.
func (o *Orchestrator) processEvent(ctx context.Context, evt LifecycleEvent, depth int) {
	ctx, span := o.tracer.Start(ctx, "automation.process_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", string(evt.Type)),
		attribute.Int("event.ticket_id", int(evt.TicketID)),
		attribute.Int("event.depth", depth),
	)
	defer metrics.IncEventProcessed()

	snap, err := o.tickets.GetTicketSnapshot(ctx, evt.TicketID)
	if err != nil {
		o.logger.Warnf("automation: snapshot for ticket %d failed: %v", evt.TicketID, err)
		return
	}

	rules, err := o.rules.ActiveRules(ctx)
	if err != nil {
		o.logger.Errorf("automation: loading active rules failed: %v", err)
		return
	}

	for i := range rules {
		rule := &rules[i]
		if !ruleInScope(rule, snap) {
			continue
		}
		if !MatchTrigger(DecodeTrigger(rule), evt) {
			continue
		}
		if !EvaluateConditions(DecodeConditions(rule), snap) {
			continue
		}
		o.fireRule(ctx, rule, evt, snap, depth)

		// 动作可能改了工单，后续规则要看到新状态
		if snap, err = o.tickets.GetTicketSnapshot(ctx, evt.TicketID); err != nil {
			o.logger.Warnf("automation: snapshot refresh for ticket %d failed: %v", evt.TicketID, err)
			return
		}
	}
}

// fireRule executes the rule's actions, bumps the counter exactly once,
// records the run and enqueues derived events one level deeper.
func (o *Orchestrator) fireRule(ctx context.Context, rule *models.AutomationRule, evt LifecycleEvent, snap *models.TicketSnapshot, depth int) {
	ctx, span := o.tracer.Start(ctx, "automation.fire_rule")
	defer span.End()
	span.SetAttributes(
		attribute.Int("rule.id", int(rule.ID)),
		attribute.String("rule.name", rule.Name),
	)

	actions := DecodeActions(rule)
	results := o.executor.Execute(ctx, actions, snap, rule.ID)

	if err := o.rules.IncrementExecutionCount(ctx, rule.ID); err != nil {
		o.logger.Warnf("automation: execution count for rule %d: %v", rule.ID, err)
	}
	metrics.IncRuleFired(rule.ID)

	status := models.RunStatusFired
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	message := fmt.Sprintf("%d/%d actions succeeded", len(results)-failed, len(results))
	if failed > 0 {
		status = models.RunStatusFailed
	}
	o.rules.RecordRun(ctx, &models.AutomationRun{
		RuleID:        rule.ID,
		TicketID:      snap.ID,
		EventID:       evt.ID,
		EventType:     string(evt.Type),
		Status:        status,
		ActionResults: marshalJSON(results),
		Message:       message,
	})
	o.logger.Infof("automation: rule %d (%s) fired on ticket %d: %s", rule.ID, rule.Name, snap.ID, message)

	o.emitDerived(rule, actions, results, snap, depth)
}

// emitDerived synthesizes the lifecycle events implied by successful actions.
// Boundary calls made by the executor deliberately do not emit events
// themselves; the depth counter lives here and nowhere else.
func (o *Orchestrator) emitDerived(rule *models.AutomationRule, actions []models.RuleAction, results []ActionResult, snap *models.TicketSnapshot, depth int) {
	next := depth + 1
	for i, action := range actions {
		if i >= len(results) || !results[i].Success {
			continue
		}
		evt, ok := derivedEvent(action, snap)
		if !ok {
			continue
		}
		if next > MaxEventDepth {
			metrics.IncLoopDrop()
			o.logger.Warnf("automation: depth limit reached, dropping derived %s from rule %d on ticket %d",
				evt.Type, rule.ID, snap.ID)
			o.rules.RecordRun(context.Background(), &models.AutomationRun{
				RuleID:    rule.ID,
				TicketID:  snap.ID,
				EventID:   evt.ID,
				EventType: string(evt.Type),
				Status:    models.RunStatusDropped,
				Message:   fmt.Sprintf("derived event dropped at depth %d", next),
			})
			continue
		}
		o.enqueue(evt, next)
	}
}

// derivedEvent maps an executed action onto the lifecycle event it implies.
func derivedEvent(action models.RuleAction, snap *models.TicketSnapshot) (LifecycleEvent, bool) {
	switch action.Type {
	case models.ActionAssignTicket:
		return NewChangeEvent(models.TriggerAssignedChanged, snap.ID, snap.AssignedTo, action.Parameters["assignee"]), true
	case models.ActionChangeStatus:
		return NewChangeEvent(models.TriggerStatusChanged, snap.ID, snap.Status, action.Parameters["value"]), true
	case models.ActionChangePriority:
		return NewChangeEvent(models.TriggerPriorityChanged, snap.ID, snap.Priority, action.Parameters["value"]), true
	case models.ActionAddComment:
		return NewLifecycleEvent(models.TriggerCommentAdded, snap.ID), true
	case models.ActionAddTag, models.ActionRemoveTag, models.ActionEscalateTicket:
		return NewLifecycleEvent(models.TriggerTicketUpdated, snap.ID), true
	}
	// 通知类动作不改变工单，不派生事件
	return LifecycleEvent{}, false
}

// ========== 周期扫描 ==========

func (o *Orchestrator) runScheduledScan() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	o.RunScan(ctx)
}

// RunScan evaluates all active time_based and sla_breached rules against the
// current ticket table. Exported so the CLI can trigger a pass by hand.
func (o *Orchestrator) RunScan(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "automation.scan")
	defer span.End()
	metrics.IncScanRun()

	rules, err := o.rules.ActiveRules(ctx)
	if err != nil {
		o.logger.Errorf("automation: scan rule load failed: %v", err)
		return
	}

	for i := range rules {
		rule := &rules[i]
		switch rule.TriggerType {
		case models.TriggerTimeBased:
			o.scanTimeBased(ctx, rule)
		case models.TriggerSLABreached:
			o.scanSLABreached(ctx, rule)
		}
	}
}

// scanTimeBased fires the rule for tickets idle longer than its threshold.
// A ticket already acted on since its last update is skipped, so an idle
// ticket does not refire the same rule every scan.
func (o *Orchestrator) scanTimeBased(ctx context.Context, rule *models.AutomationRule) {
	params := unmarshalParams(rule.TriggerParams)
	minutes, err := strconv.Atoi(params["minutes"])
	if err != nil || minutes <= 0 {
		o.logger.Warnf("automation: rule %d has invalid 'minutes' param, skipping scan", rule.ID)
		return
	}
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)

	// since=created 按创建时间判稳，默认按最后更新时间
	column := "updated_at"
	if params["since"] == "created" {
		column = "created_at"
	}

	var tickets []models.Ticket
	if err := o.db.WithContext(ctx).
		Where(column+" < ? AND status NOT IN ?", cutoff, []string{"resolved", "closed"}).
		Find(&tickets).Error; err != nil {
		o.logger.Errorf("automation: time-based scan query failed: %v", err)
		return
	}

	for i := range tickets {
		if o.alreadyFired(ctx, rule.ID, tickets[i].ID, tickets[i].UpdatedAt) {
			continue
		}
		o.fireScanRule(ctx, rule, models.TriggerTimeBased, tickets[i].ID)
	}
}

// scanSLABreached fires the rule for open tickets past their due date.
func (o *Orchestrator) scanSLABreached(ctx context.Context, rule *models.AutomationRule) {
	var tickets []models.Ticket
	if err := o.db.WithContext(ctx).
		Where("due_date IS NOT NULL AND due_date < ? AND status NOT IN ?", time.Now(), []string{"resolved", "closed"}).
		Find(&tickets).Error; err != nil {
		o.logger.Errorf("automation: sla scan query failed: %v", err)
		return
	}

	for i := range tickets {
		if o.alreadyFired(ctx, rule.ID, tickets[i].ID, tickets[i].UpdatedAt) {
			continue
		}
		o.fireScanRule(ctx, rule, models.TriggerSLABreached, tickets[i].ID)
	}
}

// alreadyFired reports whether the rule already ran for this ticket since its
// last update.
func (o *Orchestrator) alreadyFired(ctx context.Context, ruleID, ticketID uint, since time.Time) bool {
	var count int64
	if err := o.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("rule_id = ? AND ticket_id = ? AND created_at >= ?", ruleID, ticketID, since).
		Count(&count).Error; err != nil {
		o.logger.Warnf("automation: run lookup failed: %v", err)
		return false
	}
	return count > 0
}

// fireScanRule applies scope and conditions, then fires. The trigger matches
// by construction: scans only reach rules of their own trigger type.
func (o *Orchestrator) fireScanRule(ctx context.Context, rule *models.AutomationRule, t models.TriggerType, ticketID uint) {
	snap, err := o.tickets.GetTicketSnapshot(ctx, ticketID)
	if err != nil {
		o.logger.Warnf("automation: snapshot for ticket %d failed: %v", ticketID, err)
		return
	}
	if !ruleInScope(rule, snap) {
		return
	}
	if !EvaluateConditions(DecodeConditions(rule), snap) {
		return
	}
	o.fireRule(ctx, rule, NewLifecycleEvent(t, ticketID), snap, 0)
}

// ========== 范围过滤 ==========

// ruleInScope applies the rule's category/tag scoping. Empty scope means the
// rule applies everywhere.
func ruleInScope(rule *models.AutomationRule, snap *models.TicketSnapshot) bool {
	if rule.Categories != "" {
		if !containsString(splitCSV(rule.Categories), snap.Category) {
			return false
		}
	}
	if rule.Tags != "" {
		found := false
		for _, want := range splitCSV(rule.Tags) {
			if containsString(snap.Tags, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ========== 规则试运行 ==========

// TestRuleResult 试运行结果
type TestRuleResult struct {
	RuleID            uint                   `json:"rule_id"`
	TicketID          uint                   `json:"ticket_id"`
	MatchesTrigger    bool                   `json:"matches_trigger"`
	MatchesConditions bool                   `json:"matches_conditions"`
	ShouldExecute     bool                   `json:"should_execute"`
	PlannedActions    []models.RuleAction    `json:"planned_actions"`
	ConditionOutcomes []ConditionOutcome     `json:"condition_outcomes"`
	Snapshot          *models.TicketSnapshot `json:"snapshot,omitempty"`
}

// ConditionOutcome 单条条件的求值结果
type ConditionOutcome struct {
	Condition models.RuleCondition `json:"condition"`
	Matched   bool                 `json:"matched"`
}

// TestRule dry-runs a rule against a real ticket. Nothing is executed,
// counted or recorded; calling it twice gives the same answer. For scan-type
// triggers the trigger leg is true by construction, for event triggers a
// representative event of the rule's own type is synthesized.
func (o *Orchestrator) TestRule(ctx context.Context, ruleID, ticketID uint) (*TestRuleResult, error) {
	ctx, span := o.tracer.Start(ctx, "automation.test_rule")
	defer span.End()

	rule, err := o.rules.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	snap, err := o.tickets.GetTicketSnapshot(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	trigger := DecodeTrigger(rule)
	var evt LifecycleEvent
	switch {
	case rule.TriggerType == models.TriggerTimeBased, rule.TriggerType == models.TriggerSLABreached:
		evt = NewLifecycleEvent(rule.TriggerType, ticketID)
	case rule.TriggerType.HasDelta():
		to := trigger.Params["to"]
		if to == "" {
			to = deltaFieldValue(rule.TriggerType, snap)
		}
		evt = NewChangeEvent(rule.TriggerType, ticketID, "", to)
	default:
		evt = NewLifecycleEvent(rule.TriggerType, ticketID)
	}

	matchesTrigger := ruleInScope(rule, snap) && MatchTrigger(trigger, evt)

	conds := DecodeConditions(rule)
	outcomes := make([]ConditionOutcome, 0, len(conds))
	matchesConds := true
	for _, c := range conds {
		matched := evaluateCondition(c, snap)
		outcomes = append(outcomes, ConditionOutcome{Condition: c, Matched: matched})
		if !matched {
			matchesConds = false
		}
	}

	return &TestRuleResult{
		RuleID:            rule.ID,
		TicketID:          ticketID,
		MatchesTrigger:    matchesTrigger,
		MatchesConditions: matchesConds,
		ShouldExecute:     rule.IsActive && matchesTrigger && matchesConds,
		PlannedActions:    DecodeActions(rule),
		ConditionOutcomes: outcomes,
		Snapshot:          snap,
	}, nil
}

func deltaFieldValue(t models.TriggerType, snap *models.TicketSnapshot) string {
	switch t {
	case models.TriggerStatusChanged:
		return snap.Status
	case models.TriggerPriorityChanged:
		return snap.Priority
	case models.TriggerAssignedChanged:
		return snap.AssignedTo
	}
	return ""
}

// EngineStats 当前引擎计数器快照（/metrics 接口使用）
type EngineStats struct {
	EventsProcessed uint64          `json:"events_processed"`
	RulesFired      uint64          `json:"rules_fired"`
	ActionsFailed   uint64          `json:"actions_failed"`
	LoopDrops       uint64          `json:"loop_drops"`
	ScanRuns        uint64          `json:"scan_runs"`
	FiredByRule     map[uint]uint64 `json:"fired_by_rule"`
	QueueLength     int             `json:"queue_length"`
}

// Stats 返回引擎计数器
func (o *Orchestrator) Stats() EngineStats {
	events, fired, failed, drops, scans, byRule := metrics.EngineSnapshot()
	return EngineStats{
		EventsProcessed: events,
		RulesFired:      fired,
		ActionsFailed:   failed,
		LoopDrops:       drops,
		ScanRuns:        scans,
		FiredByRule:     byRule,
		QueueLength:     len(o.queue),
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
