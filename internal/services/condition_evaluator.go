package services

import (
	"strconv"
	"strings"

	"deskflow/internal/models"
)

// EvaluateConditions reports whether every condition holds against the ticket
// snapshot. An empty list matches everything. Pure and repeatable; the dry-run
// endpoint depends on that.
func EvaluateConditions(conds []models.RuleCondition, snap *models.TicketSnapshot) bool {
	for _, cond := range conds {
		if !evaluateCondition(cond, snap) {
			return false
		}
	}
	return true
}

// evaluateCondition resolves the condition field on the snapshot and applies
// the operator. Unresolvable fields and unparsable numeric comparisons
// evaluate to false rather than erroring: a malformed condition must not take
// down unrelated rules.
func evaluateCondition(cond models.RuleCondition, snap *models.TicketSnapshot) bool {
	if snap == nil {
		return false
	}

	value, list, ok := resolveField(cond.Field, snap)
	if !ok {
		return false
	}

	switch cond.Operator {
	case models.OpEquals:
		return value == cond.Value
	case models.OpNotEquals:
		return value != cond.Value
	case models.OpContains:
		if list != nil {
			return containsString(list, cond.Value)
		}
		return strings.Contains(value, cond.Value)
	case models.OpNotContains:
		if list != nil {
			return !containsString(list, cond.Value)
		}
		return !strings.Contains(value, cond.Value)
	case models.OpGreaterThan:
		a, b, ok := parseNumbers(value, cond.Value)
		return ok && a > b
	case models.OpLessThan:
		a, b, ok := parseNumbers(value, cond.Value)
		return ok && a < b
	default:
		// 未知操作符在写入时已被拒绝，这里按失败处理
		return false
	}
}

// resolveField maps a condition field name onto the snapshot. A "ticket."
// prefix is tolerated so stored rules written against either form keep
// working. For array-valued fields the slice is returned alongside a joined
// string form.
func resolveField(field string, snap *models.TicketSnapshot) (value string, list []string, ok bool) {
	field = strings.TrimPrefix(field, "ticket.")
	switch field {
	case "status":
		return snap.Status, nil, true
	case "priority":
		return snap.Priority, nil, true
	case "category":
		return snap.Category, nil, true
	case "assigned_to", "assignedTo":
		return snap.AssignedTo, nil, true
	case "created_by", "createdBy":
		return snap.CreatedBy, nil, true
	case "subject", "title":
		return snap.Subject, nil, true
	case "tags":
		return strings.Join(snap.Tags, ","), snap.Tags, true
	default:
		return "", nil, false
	}
}

func parseNumbers(a, b string) (float64, float64, bool) {
	fa, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return 0, 0, false
	}
	fb, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return 0, 0, false
	}
	return fa, fb, true
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
