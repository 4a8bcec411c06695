package services

import "deskflow/internal/models"

// RuleTrigger is the trigger clause of a rule after deserialization.
type RuleTrigger struct {
	Type   models.TriggerType
	Params map[string]string
}

// MatchTrigger reports whether the event satisfies the rule's trigger clause.
// Category/tag scoping is the orchestrator's job, not the matcher's.
func MatchTrigger(trigger RuleTrigger, evt LifecycleEvent) bool {
	if trigger.Type != evt.Type {
		return false
	}

	// *_changed 触发必须携带 from/to 变更
	if trigger.Type.HasDelta() {
		if evt.Delta == nil {
			return false
		}
		// 可选的 "to" 参数限定目标值，缺省匹配任意变更
		if want, ok := trigger.Params["to"]; ok && want != "" && evt.Delta.To != want {
			return false
		}
	}

	return true
}
