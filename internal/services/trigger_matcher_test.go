package services

import (
	"testing"

	"deskflow/internal/models"
)

func TestMatchTrigger_TypeEquality(t *testing.T) {
	evt := NewLifecycleEvent(models.TriggerTicketCreated, 1)

	if !MatchTrigger(RuleTrigger{Type: models.TriggerTicketCreated}, evt) {
		t.Fatal("same type must match")
	}
	if MatchTrigger(RuleTrigger{Type: models.TriggerCommentAdded}, evt) {
		t.Fatal("different type must not match")
	}
}

func TestMatchTrigger_ChangeEventsRequireDelta(t *testing.T) {
	// status_changed 事件没有 delta 不应匹配
	bare := NewLifecycleEvent(models.TriggerStatusChanged, 1)
	if MatchTrigger(RuleTrigger{Type: models.TriggerStatusChanged}, bare) {
		t.Fatal("change trigger without delta must not match")
	}

	withDelta := NewChangeEvent(models.TriggerStatusChanged, 1, "open", "resolved")
	if !MatchTrigger(RuleTrigger{Type: models.TriggerStatusChanged}, withDelta) {
		t.Fatal("change trigger with delta must match")
	}
}

func TestMatchTrigger_ToParamRestrictsTarget(t *testing.T) {
	evt := NewChangeEvent(models.TriggerStatusChanged, 1, "open", "resolved")

	match := RuleTrigger{Type: models.TriggerStatusChanged, Params: map[string]string{"to": "resolved"}}
	if !MatchTrigger(match, evt) {
		t.Fatal("matching 'to' param must match")
	}

	mismatch := RuleTrigger{Type: models.TriggerStatusChanged, Params: map[string]string{"to": "closed"}}
	if MatchTrigger(mismatch, evt) {
		t.Fatal("mismatching 'to' param must not match")
	}

	// 空 "to" 等价于不限定
	anyTo := RuleTrigger{Type: models.TriggerStatusChanged, Params: map[string]string{"to": ""}}
	if !MatchTrigger(anyTo, evt) {
		t.Fatal("empty 'to' param must match any target value")
	}
}
