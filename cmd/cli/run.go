package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"flowdesk/internal/config"
	"flowdesk/internal/handlers"
	"flowdesk/internal/middleware"
	"flowdesk/internal/models"
	"flowdesk/internal/observability"
	"flowdesk/internal/services"
	"flowdesk/pkg/ruleparse"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the flowdesk engine",
	Long:  `Run the flowdesk engine: HTTP API, scheduler and websocket event stream`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	// 加载配置
	cfg := config.Load()

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logrus.Warnf("init tracing: %v", err)
	}

	// 初始化数据库
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(
		&models.Customer{}, &models.Playbook{},
		&models.Trigger{}, &models.Automation{}, &models.TriggerEvent{},
		&models.PlaybookExecution{}, &models.ExecutionStepLog{},
	); err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}
	if err := models.MigrateExecutionIndexes(db); err != nil {
		logrus.Fatalf("Failed to create execution indexes: %v", err)
	}

	// 装配引擎
	hub := services.NewEventHub()
	go hub.Run()

	playbookService := services.NewPlaybookService(db, appLogger, nil)
	dispatcher := services.NewDispatcher(db, appLogger, services.Collaborators{
		Playbooks: playbookService,
	})
	dispatcher.SetTimeout(cfg.Engine.DispatchTimeout)
	dispatcher.SetMaxRetries(cfg.Engine.DispatchRetries)
	dispatcher.SetBreaker(cfg.Engine.Breaker.Enabled, &services.CircuitBreakerConfig{
		MaxFailures:     cfg.Engine.Breaker.MaxFailures,
		ResetTimeout:    cfg.Engine.Breaker.ResetTimeout,
		HalfOpenMaxReqs: cfg.Engine.Breaker.HalfOpenMaxReqs,
	})
	playbookService.SetDispatcher(dispatcher)
	playbookService.SetEventHub(hub)

	triggerService := services.NewTriggerService(db, appLogger, dispatcher)
	triggerService.SetEventHub(hub)

	automationService := services.NewAutomationService(db, appLogger, dispatcher)
	automationService.SetEventHub(hub)
	if cfg.RuleParse.Enabled {
		automationService.SetParser(ruleparse.NewClient(&ruleparse.Config{
			Enabled: true,
			BaseURL: cfg.RuleParse.BaseURL,
			APIKey:  cfg.RuleParse.APIKey,
			Timeout: cfg.RuleParse.Timeout,
		}, appLogger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler := services.NewScheduler(db, appLogger, automationService, triggerService,
		cfg.Engine.SchedulerInterval, cfg.Engine.Workers)
	go scheduler.Start(ctx)

	// 设置 Gin 模式
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, db, hub, triggerService, automationService, playbookService)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logrus.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited")
}

func setupRouter(cfg *config.Config, db *gorm.DB, hub *services.EventHub,
	triggers *services.TriggerService, automations *services.AutomationService,
	playbooks *services.PlaybookService) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddlewareWithConfig(cfg))
	router.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(db)
	router.GET("/health", healthHandler.Health)
	if cfg.Monitoring.Enabled {
		router.GET(cfg.Monitoring.MetricsPath, healthHandler.Metrics)
	}
	router.GET("/ws", hub.HandleWebSocket)

	api := router.Group("/api")
	handlers.RegisterTriggerRoutes(api, handlers.NewTriggerHandler(triggers))
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automations))
	handlers.RegisterPlaybookRoutes(api, handlers.NewPlaybookHandler(playbooks))
	handlers.RegisterCustomerRoutes(api, handlers.NewCustomerHandler(services.NewCustomerService(db, logrus.StandardLogger())))

	return router
}

func corsMiddlewareWithConfig(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origins := "*"
		methods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
		headers := "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With"
		if cfg != nil && cfg.Security.CORS.Enabled {
			if len(cfg.Security.CORS.AllowedOrigins) > 0 {
				origins = strings.Join(cfg.Security.CORS.AllowedOrigins, ", ")
			}
			if len(cfg.Security.CORS.AllowedMethods) > 0 {
				methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
			}
			if len(cfg.Security.CORS.AllowedHeaders) > 0 {
				headers = strings.Join(cfg.Security.CORS.AllowedHeaders, ", ")
			}
		}
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", headers)
		c.Header("Access-Control-Allow-Methods", methods)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
