package main

import (
	"context"
	"fmt"
	"time"

	"deskflow/internal/config"
	"deskflow/internal/services"
	"deskflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one time-based/SLA scan pass by hand",
	Long:  `对所有启用的 time_based / sla_breached 规则立即执行一轮扫描，不等待调度器。`,
	Run:   runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}

	ticketService := services.NewTicketService(db, appLogger)
	notificationService := services.NewNotificationService(db, appLogger, services.NotificationConfig{
		SMTPHost:     cfg.Notify.Email.SMTPHost,
		SMTPPort:     cfg.Notify.Email.SMTPPort,
		SMTPUsername: cfg.Notify.Email.Username,
		SMTPPassword: cfg.Notify.Email.Password,
		FromEmail:    cfg.Notify.Email.FromEmail,
		FromName:     cfg.Notify.Email.FromName,
		EmailEnabled: cfg.Notify.Email.Enabled,
		WebhookURL:   cfg.Notify.Webhook.URL,
	})
	ruleService := services.NewRuleService(db, appLogger)

	boundary := services.NewTicketBoundary(ticketService)
	executor := services.NewActionExecutor(boundary, notificationService, appLogger, cfg.Engine.ActionTimeout)
	orchestrator := services.NewOrchestrator(db, ruleService, executor, boundary, appLogger, services.OrchestratorConfig{
		QueueSize: cfg.Engine.QueueSize,
		ScanSpec:  cfg.Engine.ScanSpec,
	})
	ticketService.SetDispatcher(orchestrator)

	// 扫描产生的派生事件也要处理完再退出
	orchestrator.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	orchestrator.RunScan(ctx)
	time.Sleep(2 * time.Second)
	orchestrator.Stop()

	stats := orchestrator.Stats()
	fmt.Printf("[%s] scan complete: events=%d fired=%d failed_actions=%d drops=%d\n",
		utils.FormatTime(time.Now()), stats.EventsProcessed, stats.RulesFired, stats.ActionsFailed, stats.LoopDrops)
}
