package services

import (
	"context"
	"testing"

	"deskflow/internal/models"
)

func TestTicketService_CreateEmitsTicketCreated(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewTicketService(db, quietLogger())
	disp := &recordingDispatcher{}
	svc.SetDispatcher(disp)

	db.Create(&models.User{Username: "cust", Email: "cust@example.com"})

	ticket, err := svc.CreateTicket(context.Background(), &TicketCreateRequest{
		Title:      "新工单",
		CustomerID: 1,
		Priority:   "urgent",
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	events := disp.Events()
	if len(events) != 1 || events[0].Type != models.TriggerTicketCreated {
		t.Fatalf("expected one ticket_created event, got %+v", events)
	}
	if events[0].TicketID != ticket.ID {
		t.Fatalf("event ticket id = %d, want %d", events[0].TicketID, ticket.ID)
	}
}

func TestTicketService_UpdateEmitsDeltaEvents(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewTicketService(db, quietLogger())
	disp := &recordingDispatcher{}

	db.Create(&models.User{Username: "cust", Email: "cust@example.com"})
	ticket, _ := svc.CreateTicket(context.Background(), &TicketCreateRequest{
		Title: "t", CustomerID: 1,
	})

	svc.SetDispatcher(disp) // 创建事件不计入本测试

	status := "resolved"
	priority := "high"
	if _, err := svc.UpdateTicket(context.Background(), ticket.ID, &TicketUpdateRequest{
		Status:   &status,
		Priority: &priority,
	}, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	events := disp.Events()
	if len(events) != 2 {
		t.Fatalf("expected priority_changed + status_changed, got %+v", events)
	}

	byType := make(map[models.TriggerType]*EventDelta)
	for _, evt := range events {
		byType[evt.Type] = evt.Delta
	}
	if d := byType[models.TriggerStatusChanged]; d == nil || d.From != "open" || d.To != "resolved" {
		t.Fatalf("status delta = %+v", d)
	}
	if d := byType[models.TriggerPriorityChanged]; d == nil || d.From != "normal" || d.To != "high" {
		t.Fatalf("priority delta = %+v", d)
	}
}

func TestTicketService_UpdateWithoutDeltaEmitsTicketUpdated(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewTicketService(db, quietLogger())
	disp := &recordingDispatcher{}

	db.Create(&models.User{Username: "cust", Email: "cust@example.com"})
	ticket, _ := svc.CreateTicket(context.Background(), &TicketCreateRequest{Title: "t", CustomerID: 1})
	svc.SetDispatcher(disp)

	title := "renamed"
	svc.UpdateTicket(context.Background(), ticket.ID, &TicketUpdateRequest{Title: &title}, 1)

	events := disp.Events()
	if len(events) != 1 || events[0].Type != models.TriggerTicketUpdated {
		t.Fatalf("expected ticket_updated, got %+v", events)
	}
}

func TestTicketService_CommentEmitsCommentAdded(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewTicketService(db, quietLogger())
	disp := &recordingDispatcher{}

	db.Create(&models.User{Username: "cust", Email: "cust@example.com"})
	ticket, _ := svc.CreateTicket(context.Background(), &TicketCreateRequest{Title: "t", CustomerID: 1})
	svc.SetDispatcher(disp)

	if _, err := svc.AddComment(context.Background(), ticket.ID, 1, "hello", ""); err != nil {
		t.Fatalf("add comment: %v", err)
	}

	events := disp.Events()
	if len(events) != 1 || events[0].Type != models.TriggerCommentAdded {
		t.Fatalf("expected comment_added, got %+v", events)
	}
}

func TestTicketBoundary_MutationsDoNotEmit(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewTicketService(db, quietLogger())
	disp := &recordingDispatcher{}

	db.Create(&models.User{Username: "cust", Email: "cust@example.com"})
	db.Create(&models.User{Username: "agent-42", Email: "agent42@example.com", Role: "agent"})
	ticket, _ := svc.CreateTicket(context.Background(), &TicketCreateRequest{Title: "t", CustomerID: 1})

	svc.SetDispatcher(disp)
	boundary := NewTicketBoundary(svc)
	ctx := context.Background()

	if err := boundary.AssignTicket(ctx, ticket.ID, "agent-42"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := boundary.UpdateTicket(ctx, ticket.ID, map[string]string{"priority": "high"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := boundary.UpdateTags(ctx, ticket.ID, "vip", true); err != nil {
		t.Fatalf("tags: %v", err)
	}
	if err := boundary.AddComment(ctx, ticket.ID, "auto"); err != nil {
		t.Fatalf("comment: %v", err)
	}

	if events := disp.Events(); len(events) != 0 {
		t.Fatalf("boundary mutations must not emit events, got %+v", events)
	}

	// 变更本身要生效
	snap, err := boundary.GetTicketSnapshot(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.AssignedTo != "agent-42" || snap.Priority != "high" {
		t.Fatalf("mutations not applied: %+v", snap)
	}
	if len(snap.Tags) != 1 || snap.Tags[0] != "vip" {
		t.Fatalf("tags not applied: %v", snap.Tags)
	}
}

func TestTicketBoundary_UpdateTags_AddRemove(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewTicketService(db, quietLogger())

	db.Create(&models.User{Username: "cust", Email: "cust@example.com"})
	ticket, _ := svc.CreateTicket(context.Background(), &TicketCreateRequest{
		Title: "t", CustomerID: 1, Tags: "alpha,beta",
	})

	boundary := NewTicketBoundary(svc)
	ctx := context.Background()

	// 重复添加是幂等的
	boundary.UpdateTags(ctx, ticket.ID, "alpha", true)
	snap, _ := boundary.GetTicketSnapshot(ctx, ticket.ID)
	if len(snap.Tags) != 2 {
		t.Fatalf("duplicate add changed tags: %v", snap.Tags)
	}

	boundary.UpdateTags(ctx, ticket.ID, "beta", false)
	snap, _ = boundary.GetTicketSnapshot(ctx, ticket.ID)
	if len(snap.Tags) != 1 || snap.Tags[0] != "alpha" {
		t.Fatalf("remove failed: %v", snap.Tags)
	}
}

func TestTicketBoundary_EscalateBumpsPriority(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewTicketService(db, quietLogger())

	db.Create(&models.User{Username: "cust", Email: "cust@example.com"})
	db.Create(&models.User{Username: "supervisor", Email: "sup@example.com", Role: "admin"})
	ticket, _ := svc.CreateTicket(context.Background(), &TicketCreateRequest{
		Title: "t", CustomerID: 1, Priority: "normal",
	})

	boundary := NewTicketBoundary(svc)
	if err := boundary.Escalate(context.Background(), ticket.ID, "supervisor"); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	snap, _ := boundary.GetTicketSnapshot(context.Background(), ticket.ID)
	if snap.Priority != "high" {
		t.Fatalf("priority = %s, want high", snap.Priority)
	}
	if snap.AssignedTo != "supervisor" {
		t.Fatalf("assigned_to = %s, want supervisor", snap.AssignedTo)
	}

	// urgent 已是顶级，不再上调
	boundary.UpdateTicket(context.Background(), ticket.ID, map[string]string{"priority": "urgent"})
	boundary.Escalate(context.Background(), ticket.ID, "")
	snap, _ = boundary.GetTicketSnapshot(context.Background(), ticket.ID)
	if snap.Priority != "urgent" {
		t.Fatalf("urgent must stay urgent, got %s", snap.Priority)
	}
}
