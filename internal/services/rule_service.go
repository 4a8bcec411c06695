package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"deskflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// RuleService 自动化规则的存储与校验（含内置模板库）
type RuleService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer

	// 活跃规则的读穿缓存，任何写操作都会使其失效。
	// 高事件量下每个编排批次不再全表扫描。
	cacheMu     sync.Mutex
	activeCache []models.AutomationRule
	cacheValid  bool
}

// NewRuleService 创建规则服务
func NewRuleService(db *gorm.DB, logger *logrus.Logger) *RuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("deskflow.automation.rules"),
	}
}

// RuleCreateRequest 创建规则请求
type RuleCreateRequest struct {
	Name          string                 `json:"name" binding:"required"`
	Description   string                 `json:"description"`
	TriggerType   models.TriggerType     `json:"trigger_type" binding:"required"`
	TriggerParams map[string]string      `json:"trigger_params"`
	Conditions    []models.RuleCondition `json:"conditions"`
	Actions       []models.RuleAction    `json:"actions"`
	Categories    []string               `json:"categories"`
	Tags          []string               `json:"tags"`
	IsActive      *bool                  `json:"is_active"`
	CreatedBy     uint                   `json:"-"`
}

// RuleUpdateRequest 更新规则请求（nil 字段保持不变）
type RuleUpdateRequest struct {
	Name          *string                 `json:"name"`
	Description   *string                 `json:"description"`
	TriggerType   *models.TriggerType     `json:"trigger_type"`
	TriggerParams *map[string]string      `json:"trigger_params"`
	Conditions    *[]models.RuleCondition `json:"conditions"`
	Actions       *[]models.RuleAction    `json:"actions"`
	Categories    *[]string               `json:"categories"`
	Tags          *[]string               `json:"tags"`
	IsActive      *bool                   `json:"is_active"`
}

// RuleListRequest 规则列表请求
type RuleListRequest struct {
	Page        int     `form:"page,default=1"`
	PageSize    int     `form:"page_size,default=20"`
	TriggerType *string `form:"trigger_type"`
	Active      *bool   `form:"active"`
	Search      string  `form:"search"`
}

// RunListRequest 执行记录列表请求
type RunListRequest struct {
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
	RuleID   uint   `form:"rule_id"`
	TicketID uint   `form:"ticket_id"`
	Status   string `form:"status"`
}

// ErrRuleNotFound 规则不存在
var ErrRuleNotFound = errors.New("rule not found")

// CreateRule validates the definition and persists it. Unknown trigger types,
// operators and action types are definition errors and never reach the store.
func (s *RuleService) CreateRule(ctx context.Context, req *RuleCreateRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "automation.create_rule")
	defer span.End()

	if req == nil {
		return nil, errors.New("request required")
	}
	if err := validateDefinition(req.TriggerType, req.TriggerParams, req.Conditions, req.Actions); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("rule.name", req.Name),
		attribute.String("rule.trigger_type", string(req.TriggerType)),
		attribute.Int("rule.actions", len(req.Actions)),
	)

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	rule := &models.AutomationRule{
		Name:          req.Name,
		Description:   req.Description,
		TriggerType:   req.TriggerType,
		TriggerParams: marshalJSON(req.TriggerParams),
		Conditions:    marshalJSON(req.Conditions),
		Actions:       marshalJSON(req.Actions),
		Categories:    strings.Join(req.Categories, ","),
		Tags:          strings.Join(req.Tags, ","),
		IsActive:      active,
		CreatedBy:     req.CreatedBy,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	s.invalidateCache()

	s.logger.Infof("automation: created rule %d (%s) trigger=%s actions=%d",
		rule.ID, rule.Name, rule.TriggerType, len(req.Actions))
	return rule, nil
}

// UpdateRule 更新规则定义，校验与创建一致
func (s *RuleService) UpdateRule(ctx context.Context, id uint, req *RuleUpdateRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "automation.update_rule")
	defer span.End()

	if req == nil {
		return nil, errors.New("request required")
	}

	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}

	// 先在解码后的定义上套用变更，再整体校验
	trigger := rule.TriggerType
	if req.TriggerType != nil {
		trigger = *req.TriggerType
	}
	params := unmarshalParams(rule.TriggerParams)
	if req.TriggerParams != nil {
		params = *req.TriggerParams
	}
	conds := unmarshalConditions(rule.Conditions)
	if req.Conditions != nil {
		conds = *req.Conditions
	}
	actions := unmarshalActions(rule.Actions)
	if req.Actions != nil {
		actions = *req.Actions
	}
	if err := validateDefinition(trigger, params, conds, actions); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"trigger_type":   trigger,
		"trigger_params": marshalJSON(params),
		"conditions":     marshalJSON(conds),
		"actions":        marshalJSON(actions),
		"updated_at":     time.Now(),
	}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Categories != nil {
		updates["categories"] = strings.Join(*req.Categories, ",")
	}
	if req.Tags != nil {
		updates["tags"] = strings.Join(*req.Tags, ",")
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}

	if err := s.db.WithContext(ctx).Model(&rule).Updates(updates).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	s.invalidateCache()
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetRule 根据ID获取规则
func (s *RuleService) GetRule(ctx context.Context, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	return &rule, nil
}

// ListRules 获取规则列表
func (s *RuleService) ListRules(ctx context.Context, req *RuleListRequest) ([]models.AutomationRule, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AutomationRule{})

	if req.TriggerType != nil && *req.TriggerType != "" {
		query = query.Where("trigger_type = ?", *req.TriggerType)
	}
	if req.Active != nil {
		query = query.Where("is_active = ?", *req.Active)
	}
	if req.Search != "" {
		pattern := "%" + req.Search + "%"
		query = query.Where("name LIKE ? OR description LIKE ?", pattern, pattern)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	if req.PageSize > 0 {
		query = query.Offset((req.Page - 1) * req.PageSize).Limit(req.PageSize)
	}

	var rules []models.AutomationRule
	if err := query.Order("created_at DESC").Find(&rules).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, total, nil
}

// DeleteRule 删除规则；执行计数随规则一并丢弃
func (s *RuleService) DeleteRule(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	s.invalidateCache()
	s.logger.Infof("automation: deleted rule %d", id)
	return nil
}

// ToggleActive 启停规则
func (s *RuleService) ToggleActive(ctx context.Context, id uint, active bool) error {
	result := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": active, "updated_at": time.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	s.invalidateCache()
	return nil
}

// ActiveRules returns a snapshot of active rules for one orchestration pass.
// Served from cache between rule mutations; a pass started just before a
// mutation may see the old definitions, which is acceptable.
func (s *RuleService) ActiveRules(ctx context.Context) ([]models.AutomationRule, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if !s.cacheValid {
		var rules []models.AutomationRule
		if err := s.db.WithContext(ctx).
			Where("is_active = ?", true).
			Order("id ASC").
			Find(&rules).Error; err != nil {
			return nil, fmt.Errorf("failed to load active rules: %w", err)
		}
		s.activeCache = rules
		s.cacheValid = true
	}

	snapshot := make([]models.AutomationRule, len(s.activeCache))
	copy(snapshot, s.activeCache)
	return snapshot, nil
}

func (s *RuleService) invalidateCache() {
	s.cacheMu.Lock()
	s.cacheValid = false
	s.cacheMu.Unlock()
}

// IncrementExecutionCount bumps the persisted counter by exactly one, in SQL,
// so concurrent firings of the same rule never lose updates.
func (s *RuleService) IncrementExecutionCount(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", id).
		UpdateColumn("execution_count", gorm.Expr("execution_count + 1")).Error
}

// RecordRun 写入一条执行记录
func (s *RuleService) RecordRun(ctx context.Context, run *models.AutomationRun) {
	run.CreatedAt = time.Now()
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		s.logger.Warnf("automation: record run failed: %v", err)
	}
}

// ListRuns 查询执行记录
func (s *RuleService) ListRuns(ctx context.Context, req *RunListRequest) ([]models.AutomationRun, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AutomationRun{})

	if req.RuleID != 0 {
		query = query.Where("rule_id = ?", req.RuleID)
	}
	if req.TicketID != 0 {
		query = query.Where("ticket_id = ?", req.TicketID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}
	if req.PageSize > 0 {
		query = query.Offset((req.Page - 1) * req.PageSize).Limit(req.PageSize)
	}

	var runs []models.AutomationRun
	if err := query.Order("created_at DESC").Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, total, nil
}

// ========== 定义校验 ==========

// validateDefinition rejects definitions outside the closed enums before they
// are persisted. Everything here surfaces as a caller-facing validation error.
func validateDefinition(trigger models.TriggerType, params map[string]string, conds []models.RuleCondition, actions []models.RuleAction) error {
	if !trigger.Valid() {
		return fmt.Errorf("invalid trigger type: %s", trigger)
	}
	if trigger == models.TriggerTimeBased {
		minutes := params["minutes"]
		if minutes == "" {
			return errors.New("time_based trigger requires a 'minutes' param")
		}
		if n, err := strconv.Atoi(minutes); err != nil || n <= 0 {
			return fmt.Errorf("time_based 'minutes' must be a positive integer, got %q", minutes)
		}
		if since := params["since"]; since != "" && since != "created" && since != "updated" {
			return fmt.Errorf("time_based 'since' must be created or updated, got %q", since)
		}
	}
	for i, c := range conds {
		if c.Field == "" {
			return fmt.Errorf("condition %d: field required", i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("condition %d: invalid operator: %s", i, c.Operator)
		}
	}
	// 零动作的规则合法（空转，不产生副作用）
	for i, a := range actions {
		if !a.Type.Valid() {
			return fmt.Errorf("action %d: invalid action type: %s", i, a.Type)
		}
	}
	return nil
}

// ========== JSON 列编解码 ==========

func marshalJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalParams(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil
	}
	return params
}

func unmarshalConditions(raw string) []models.RuleCondition {
	if raw == "" {
		return nil
	}
	var conds []models.RuleCondition
	if err := json.Unmarshal([]byte(raw), &conds); err != nil {
		return nil
	}
	return conds
}

func unmarshalActions(raw string) []models.RuleAction {
	if raw == "" {
		return nil
	}
	var actions []models.RuleAction
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil
	}
	return actions
}

// DecodeTrigger 解码规则的触发子句
func DecodeTrigger(rule *models.AutomationRule) RuleTrigger {
	return RuleTrigger{Type: rule.TriggerType, Params: unmarshalParams(rule.TriggerParams)}
}

// DecodeConditions 解码规则的条件列表
func DecodeConditions(rule *models.AutomationRule) []models.RuleCondition {
	return unmarshalConditions(rule.Conditions)
}

// DecodeActions 解码规则的动作列表
func DecodeActions(rule *models.AutomationRule) []models.RuleAction {
	return unmarshalActions(rule.Actions)
}
