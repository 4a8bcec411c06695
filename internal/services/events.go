package services

import (
	"time"

	"deskflow/internal/models"

	"github.com/google/uuid"
)

// EventDelta carries the from/to values of a changed ticket field.
type EventDelta struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// LifecycleEvent 工单生命周期事件，由工单变更路径或周期扫描产生。
type LifecycleEvent struct {
	ID       string             `json:"id"`
	Type     models.TriggerType `json:"type"`
	TicketID uint               `json:"ticket_id"`
	Delta    *EventDelta        `json:"delta,omitempty"`
	At       time.Time          `json:"at"`
}

// NewLifecycleEvent builds an event with a fresh correlation id.
func NewLifecycleEvent(t models.TriggerType, ticketID uint) LifecycleEvent {
	return LifecycleEvent{
		ID:       uuid.NewString(),
		Type:     t,
		TicketID: ticketID,
		At:       time.Now(),
	}
}

// NewChangeEvent builds a delta-carrying event for *_changed trigger types.
func NewChangeEvent(t models.TriggerType, ticketID uint, from, to string) LifecycleEvent {
	evt := NewLifecycleEvent(t, ticketID)
	evt.Delta = &EventDelta{From: from, To: to}
	return evt
}
