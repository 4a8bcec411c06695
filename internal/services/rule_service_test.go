package services

import (
	"context"
	"testing"

	"deskflow/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newEngineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.User{}, &models.Ticket{}, &models.TicketComment{}, &models.TicketStatus{},
		&models.Notification{}, &models.AutomationRule{}, &models.AutomationRun{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func TestRuleService_CreateRule_Validation(t *testing.T) {
	svc := NewRuleService(newEngineTestDB(t), quietLogger())

	tests := []struct {
		name    string
		req     *RuleCreateRequest
		wantErr bool
	}{
		{
			name: "valid rule",
			req: &RuleCreateRequest{
				Name:        "紧急工单指派",
				TriggerType: models.TriggerTicketCreated,
				Conditions: []models.RuleCondition{
					{Field: "priority", Operator: models.OpEquals, Value: "urgent"},
				},
				Actions: []models.RuleAction{
					{Type: models.ActionAssignTicket, Parameters: map[string]string{"assignee": "agent-42"}},
				},
			},
		},
		{
			name: "unknown trigger type rejected",
			req: &RuleCreateRequest{
				Name:        "bad trigger",
				TriggerType: "ticket_deleted",
			},
			wantErr: true,
		},
		{
			name: "unknown operator rejected",
			req: &RuleCreateRequest{
				Name:        "bad operator",
				TriggerType: models.TriggerTicketCreated,
				Conditions: []models.RuleCondition{
					{Field: "priority", Operator: "matches_regex", Value: ".*"},
				},
			},
			wantErr: true,
		},
		{
			name: "unknown action type rejected",
			req: &RuleCreateRequest{
				Name:        "bad action",
				TriggerType: models.TriggerTicketCreated,
				Actions: []models.RuleAction{
					{Type: "delete_ticket"},
				},
			},
			wantErr: true,
		},
		{
			name: "empty condition field rejected",
			req: &RuleCreateRequest{
				Name:        "no field",
				TriggerType: models.TriggerTicketCreated,
				Conditions: []models.RuleCondition{
					{Operator: models.OpEquals, Value: "x"},
				},
			},
			wantErr: true,
		},
		{
			name: "time_based requires minutes",
			req: &RuleCreateRequest{
				Name:        "no minutes",
				TriggerType: models.TriggerTimeBased,
			},
			wantErr: true,
		},
		{
			name: "time_based minutes must be positive integer",
			req: &RuleCreateRequest{
				Name:          "bad minutes",
				TriggerType:   models.TriggerTimeBased,
				TriggerParams: map[string]string{"minutes": "soon"},
			},
			wantErr: true,
		},
		{
			name: "zero actions is legal",
			req: &RuleCreateRequest{
				Name:        "noop rule",
				TriggerType: models.TriggerCommentAdded,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateRule(context.Background(), tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CreateRule error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRuleService_UpdateRule_RevalidatesDefinition(t *testing.T) {
	svc := NewRuleService(newEngineTestDB(t), quietLogger())

	rule, err := svc.CreateRule(context.Background(), &RuleCreateRequest{
		Name:        "r1",
		TriggerType: models.TriggerTicketCreated,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	badActions := []models.RuleAction{{Type: "explode"}}
	if _, err := svc.UpdateRule(context.Background(), rule.ID, &RuleUpdateRequest{Actions: &badActions}); err == nil {
		t.Fatal("update with invalid action type must be rejected")
	}

	newName := "renamed"
	updated, err := svc.UpdateRule(context.Background(), rule.ID, &RuleUpdateRequest{Name: &newName})
	if err != nil {
		t.Fatalf("valid update failed: %v", err)
	}
	if updated.Name != "renamed" {
		t.Fatalf("name not updated: %s", updated.Name)
	}
}

func TestRuleService_ToggleActive(t *testing.T) {
	svc := NewRuleService(newEngineTestDB(t), quietLogger())

	rule, _ := svc.CreateRule(context.Background(), &RuleCreateRequest{
		Name:        "toggle me",
		TriggerType: models.TriggerTicketCreated,
	})
	if !rule.IsActive {
		t.Fatal("rules default to active")
	}

	if err := svc.ToggleActive(context.Background(), rule.ID, false); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	got, _ := svc.GetRule(context.Background(), rule.ID)
	if got.IsActive {
		t.Fatal("rule should be inactive after toggle")
	}

	active, err := svc.ActiveRules(context.Background())
	if err != nil {
		t.Fatalf("active rules: %v", err)
	}
	for _, r := range active {
		if r.ID == rule.ID {
			t.Fatal("inactive rule must not appear in ActiveRules")
		}
	}

	if err := svc.ToggleActive(context.Background(), 9999, true); err != ErrRuleNotFound {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestRuleService_IncrementExecutionCount(t *testing.T) {
	svc := NewRuleService(newEngineTestDB(t), quietLogger())

	rule, _ := svc.CreateRule(context.Background(), &RuleCreateRequest{
		Name:        "counted",
		TriggerType: models.TriggerTicketCreated,
	})
	if rule.ExecutionCount != 0 {
		t.Fatalf("new rule count = %d, want 0", rule.ExecutionCount)
	}

	for i := 0; i < 3; i++ {
		if err := svc.IncrementExecutionCount(context.Background(), rule.ID); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	got, _ := svc.GetRule(context.Background(), rule.ID)
	if got.ExecutionCount != 3 {
		t.Fatalf("count = %d, want 3", got.ExecutionCount)
	}
}

func TestRuleService_Templates(t *testing.T) {
	svc := NewRuleService(newEngineTestDB(t), quietLogger())

	templates := svc.ListTemplates()
	if len(templates) == 0 {
		t.Fatal("built-in template library must not be empty")
	}

	// 每个模板的定义都必须能通过写入校验
	for _, tpl := range templates {
		if err := validateDefinition(tpl.TriggerType, tpl.TriggerParams, tpl.Conditions, tpl.Actions); err != nil {
			t.Fatalf("template %s invalid: %v", tpl.Code, err)
		}
	}

	rule, err := svc.CloneTemplate(context.Background(), "urgent_auto_assign", 7)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if rule.IsActive {
		t.Fatal("cloned rules must start inactive")
	}
	if rule.CreatedBy != 7 {
		t.Fatalf("clone owner = %d, want 7", rule.CreatedBy)
	}
	if rule.TriggerType != models.TriggerTicketCreated {
		t.Fatalf("clone trigger = %s", rule.TriggerType)
	}

	// 编辑克隆不影响模板库
	newName := "customized"
	if _, err := svc.UpdateRule(context.Background(), rule.ID, &RuleUpdateRequest{Name: &newName}); err != nil {
		t.Fatalf("update clone: %v", err)
	}
	tpl, _ := svc.GetTemplate("urgent_auto_assign")
	if tpl.Name == "customized" {
		t.Fatal("editing a clone must not touch the library")
	}

	if _, err := svc.CloneTemplate(context.Background(), "no_such_template", 1); err != ErrTemplateNotFound {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestRuleService_ListRuns(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewRuleService(db, quietLogger())

	svc.RecordRun(context.Background(), &models.AutomationRun{RuleID: 1, TicketID: 10, Status: models.RunStatusFired})
	svc.RecordRun(context.Background(), &models.AutomationRun{RuleID: 1, TicketID: 11, Status: models.RunStatusFailed})
	svc.RecordRun(context.Background(), &models.AutomationRun{RuleID: 2, TicketID: 10, Status: models.RunStatusFired})

	runs, total, err := svc.ListRuns(context.Background(), &RunListRequest{Page: 1, PageSize: 10, RuleID: 1})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if total != 2 || len(runs) != 2 {
		t.Fatalf("rule filter: total=%d len=%d, want 2/2", total, len(runs))
	}

	runs, total, _ = svc.ListRuns(context.Background(), &RunListRequest{Page: 1, PageSize: 10, Status: models.RunStatusFailed})
	if total != 1 || runs[0].TicketID != 11 {
		t.Fatalf("status filter: total=%d", total)
	}
}
