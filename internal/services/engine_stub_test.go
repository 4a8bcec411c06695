package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"deskflow/internal/models"
)

// stubTicketAPI 记录引擎对工单边界的调用，可按动作类型注入失败。
type stubTicketAPI struct {
	mu        sync.Mutex
	snapshots map[uint]*models.TicketSnapshot
	calls     []string
	failOn    map[string]bool
}

func newStubTicketAPI(snaps ...*models.TicketSnapshot) *stubTicketAPI {
	s := &stubTicketAPI{
		snapshots: make(map[uint]*models.TicketSnapshot),
		failOn:    make(map[string]bool),
	}
	for _, snap := range snaps {
		s.snapshots[snap.ID] = snap
	}
	return s
}

func (s *stubTicketAPI) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.failOn[call] {
		return errors.New("injected failure")
	}
	return nil
}

func (s *stubTicketAPI) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *stubTicketAPI) GetTicketSnapshot(ctx context.Context, ticketID uint) (*models.TicketSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[ticketID]
	if !ok {
		return nil, fmt.Errorf("ticket %d not found", ticketID)
	}
	clone := *snap
	return &clone, nil
}

func (s *stubTicketAPI) AssignTicket(ctx context.Context, ticketID uint, assignee string) error {
	return s.record("assign:" + assignee)
}

func (s *stubTicketAPI) UpdateTicket(ctx context.Context, ticketID uint, fields map[string]string) error {
	for field, value := range fields {
		if err := s.record("update:" + field + "=" + value); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubTicketAPI) UpdateTags(ctx context.Context, ticketID uint, tag string, add bool) error {
	op := "add_tag:"
	if !add {
		op = "remove_tag:"
	}
	return s.record(op + tag)
}

func (s *stubTicketAPI) Escalate(ctx context.Context, ticketID uint, to string) error {
	return s.record("escalate:" + to)
}

func (s *stubTicketAPI) AddComment(ctx context.Context, ticketID uint, text string) error {
	return s.record("comment:" + text)
}

// stubNotifier 记录通知调用
type stubNotifier struct {
	mu     sync.Mutex
	emails []string
	notes  []string
	fail   bool
}

func (n *stubNotifier) SendEmail(ctx context.Context, message, recipient string, tctx map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp unavailable")
	}
	n.emails = append(n.emails, recipient+"|"+message)
	return nil
}

func (n *stubNotifier) SendNotification(ctx context.Context, message, recipient string, tctx map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("notify unavailable")
	}
	n.notes = append(n.notes, recipient+"|"+message)
	return nil
}

// recordingDispatcher 收集工单服务发出的事件
type recordingDispatcher struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (d *recordingDispatcher) Dispatch(evt LifecycleEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
}

func (d *recordingDispatcher) Events() []LifecycleEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]LifecycleEvent, len(d.events))
	copy(out, d.events)
	return out
}
