package services

import (
	"strings"
	"testing"

	"flowdesk/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newEngineTestDB 共享缓存的内存库，单连接避免并发测试时的表锁抖动
func newEngineTestDB(t *testing.T, prefix string) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := "file:" + prefix + "_" + name + "?mode=memory&cache=shared"
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
	return db
}
