package handlers

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"flowdesk/internal/models"
	"flowdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type apiFixture struct {
	router      *gin.Engine
	db          *gorm.DB
	triggers    *services.TriggerService
	automations *services.AutomationService
	playbooks   *services.PlaybookService
	customers   *services.CustomerService
}

// newAPIFixture 完整装配一套引擎与路由，走内存库
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := "file:api_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.Customer{},
		&models.Playbook{},
		&models.Trigger{},
		&models.Automation{},
		&models.TriggerEvent{},
		&models.PlaybookExecution{},
		&models.ExecutionStepLog{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	if err := models.MigrateExecutionIndexes(db); err != nil {
		t.Fatalf("execution indexes: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	playbookService := services.NewPlaybookService(db, logger, nil)
	dispatcher := services.NewDispatcher(db, logger, services.Collaborators{Playbooks: playbookService})
	dispatcher.SetMaxRetries(0)
	playbookService.SetDispatcher(dispatcher)
	triggerService := services.NewTriggerService(db, logger, dispatcher)
	automationService := services.NewAutomationService(db, logger, dispatcher)
	customerService := services.NewCustomerService(db, logger)

	router := gin.New()
	api := router.Group("/api")
	RegisterTriggerRoutes(api, NewTriggerHandler(triggerService))
	RegisterAutomationRoutes(api, NewAutomationHandler(automationService))
	RegisterPlaybookRoutes(api, NewPlaybookHandler(playbookService))
	RegisterCustomerRoutes(api, NewCustomerHandler(customerService))
	router.GET("/health", NewHealthHandler(db).Health)
	router.GET("/metrics", NewHealthHandler(db).Metrics)

	return &apiFixture{
		router:      router,
		db:          db,
		triggers:    triggerService,
		automations: automationService,
		playbooks:   playbookService,
		customers:   customerService,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, want, w.Body.String())
	}
}
