package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"deskflow/internal/models"
	"deskflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
)

// NotificationConfig 通知通道配置
type NotificationConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
	EmailEnabled bool

	WebhookURL string
}

// NotificationService 通知服务：站内信落库，邮件走 SMTP，可选 webhook 推送
type NotificationService struct {
	db     *gorm.DB
	logger *logrus.Logger
	cfg    NotificationConfig
	dialer *gomail.Dialer
	client *http.Client
}

// NewNotificationService 创建通知服务
func NewNotificationService(db *gorm.DB, logger *logrus.Logger, cfg NotificationConfig) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}

	var dialer *gomail.Dialer
	if cfg.EmailEnabled && cfg.SMTPHost != "" {
		dialer = gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	}

	return &NotificationService{
		db:     db,
		logger: logger,
		cfg:    cfg,
		dialer: dialer,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SendEmail delivers a rendered message by email. The recipient may be a
// literal address or a username to resolve; delivery is recorded as a
// notification row either way.
func (s *NotificationService) SendEmail(ctx context.Context, message, recipient string, tctx map[string]string) error {
	address := recipient
	if address != "" && !strings.Contains(address, "@") {
		var user models.User
		if err := s.db.WithContext(ctx).Where("username = ?", address).First(&user).Error; err != nil {
			return fmt.Errorf("email recipient %q not found: %w", recipient, err)
		}
		address = user.Email
	}

	s.record(ctx, recipient, tctx, message, "email")

	if s.dialer == nil {
		s.logger.Debugf("notification: email disabled, logged message for %s", recipient)
		return nil
	}
	if address == "" {
		return fmt.Errorf("email recipient required")
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.FromEmail))
	msg.SetHeader("To", address)
	msg.SetHeader("Subject", emailSubject(tctx))
	msg.SetBody("text/plain", message)

	if err := s.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	s.logger.Infof("notification: sent email to %s", address)
	return nil
}

// SendNotification stores an in-app notification and, when configured,
// mirrors it to the webhook endpoint.
func (s *NotificationService) SendNotification(ctx context.Context, message, recipient string, tctx map[string]string) error {
	s.record(ctx, recipient, tctx, message, "in_app")

	if s.cfg.WebhookURL != "" {
		if err := s.postWebhook(ctx, message, recipient, tctx); err != nil {
			// webhook 失败不影响站内信投递
			s.logger.Warnf("notification: webhook delivery failed: %v", err)
		}
	}
	return nil
}

// ListNotifications 查询某接收者的站内通知
func (s *NotificationService) ListNotifications(ctx context.Context, recipient string, unreadOnly bool) ([]models.Notification, error) {
	query := s.db.WithContext(ctx).Where("recipient = ?", recipient)
	if unreadOnly {
		query = query.Where("read = ?", false)
	}

	var notes []models.Notification
	if err := query.Order("created_at DESC").Limit(100).Find(&notes).Error; err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notes, nil
}

// MarkRead 标记通知已读
func (s *NotificationService) MarkRead(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ?", id).
		Update("read", true).Error
}

func (s *NotificationService) record(ctx context.Context, recipient string, tctx map[string]string, message, channel string) {
	note := &models.Notification{
		Recipient: recipient,
		TicketID:  ticketIDFromContext(tctx),
		Message:   message,
		Channel:   channel,
	}
	if err := s.db.WithContext(ctx).Create(note).Error; err != nil {
		s.logger.Warnf("notification: record failed: %v", err)
	}
}

func (s *NotificationService) postWebhook(ctx context.Context, message, recipient string, tctx map[string]string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"id":        utils.GenerateID(),
		"recipient": recipient,
		"message":   message,
		"context":   tctx,
		"sent_at":   time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func emailSubject(tctx map[string]string) string {
	if id := tctx["ticket_id"]; id != "" {
		if subject := tctx["subject"]; subject != "" {
			return fmt.Sprintf("[工单 #%s] %s", id, subject)
		}
		return fmt.Sprintf("[工单 #%s]", id)
	}
	return "工单通知"
}

func ticketIDFromContext(tctx map[string]string) uint {
	var id uint
	if raw := tctx["ticket_id"]; raw != "" {
		fmt.Sscanf(raw, "%d", &id)
	}
	return id
}
