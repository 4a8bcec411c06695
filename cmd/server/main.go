package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deskflow/internal/config"
	"deskflow/internal/handlers"
	"deskflow/internal/middleware"
	"deskflow/internal/models"
	"deskflow/internal/observability"
	"deskflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	// 连接数据库
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(
		&models.User{}, &models.Ticket{}, &models.TicketComment{}, &models.TicketStatus{},
		&models.Notification{}, &models.AutomationRule{}, &models.AutomationRun{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 初始化业务服务
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

	orchestrator.Start()
	defer orchestrator.Stop()

	// 初始化 Gin
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg))
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	// 健康检查
	healthHandler := handlers.NewHealthHandler()
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)

	automationHandler := handlers.NewAutomationHandler(ruleService, orchestrator)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, automationHandler.Stats)
	}

	// API 路由组（管理类接口先做鉴权）
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	handlers.RegisterTicketRoutes(api, handlers.NewTicketHandler(ticketService))

	// 规则管理只开放给客服和管理员
	staff := api.Group("", middleware.RequireRole("agent", "admin"))
	handlers.RegisterAutomationRoutes(staff, automationHandler)

	// 启动服务器
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}
	go func() {
		appLogger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

// corsMiddleware CORS 中间件
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.Security.CORS.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
