package services

import (
	"context"
	"testing"

	"deskflow/internal/models"
)

func TestNotificationService_InAppDelivery(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewNotificationService(db, quietLogger(), NotificationConfig{})

	tctx := map[string]string{"ticket_id": "5", "subject": "主题"}
	if err := svc.SendNotification(context.Background(), "请关注", "agent-1", tctx); err != nil {
		t.Fatalf("send notification: %v", err)
	}

	notes, err := svc.ListNotifications(context.Background(), "agent-1", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(notes) != 1 || notes[0].Message != "请关注" || notes[0].TicketID != 5 {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
	if notes[0].Channel != "in_app" || notes[0].Read {
		t.Fatalf("note should be unread in_app: %+v", notes[0])
	}

	if err := svc.MarkRead(context.Background(), notes[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	unread, _ := svc.ListNotifications(context.Background(), "agent-1", true)
	if len(unread) != 0 {
		t.Fatalf("expected no unread notes, got %d", len(unread))
	}
}

func TestNotificationService_EmailDisabledStillRecords(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewNotificationService(db, quietLogger(), NotificationConfig{EmailEnabled: false})

	db.Create(&models.User{Username: "alice", Email: "alice@example.com"})

	if err := svc.SendEmail(context.Background(), "正文", "alice", map[string]string{"ticket_id": "9"}); err != nil {
		t.Fatalf("send email (disabled smtp): %v", err)
	}

	notes, _ := svc.ListNotifications(context.Background(), "alice", false)
	if len(notes) != 1 || notes[0].Channel != "email" {
		t.Fatalf("email delivery should be recorded, got %+v", notes)
	}
}

func TestNotificationService_EmailUnknownRecipient(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewNotificationService(db, quietLogger(), NotificationConfig{EmailEnabled: false})

	if err := svc.SendEmail(context.Background(), "正文", "nobody", nil); err == nil {
		t.Fatal("unknown username must fail recipient resolution")
	}
}
