package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"flowdesk/internal/config"
	"flowdesk/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.Customer{},
		&models.Playbook{},
		&models.Trigger{},
		&models.Automation{},
		&models.TriggerEvent{},
		&models.PlaybookExecution{},
		&models.ExecutionStepLog{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	// 创建索引
	log.Println("Creating additional indexes...")

	// 审计事件按触发器/自动化回查
	db.Exec("CREATE INDEX IF NOT EXISTS idx_trigger_events_trigger_created ON trigger_events(trigger_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_trigger_events_automation_created ON trigger_events(automation_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_trigger_events_status ON trigger_events(status)")

	// 调度扫描：到期的启用定时自动化
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automations_due ON automations(enabled, trigger_type, next_run_at)")

	// 事件评估：按类型取启用触发器
	db.Exec("CREATE INDEX IF NOT EXISTS idx_triggers_type_enabled ON triggers(type, enabled)")

	// 执行查询：活跃执行与步骤流水
	db.Exec("CREATE INDEX IF NOT EXISTS idx_executions_status ON playbook_executions(status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_step_logs_execution ON execution_step_logs(execution_id, created_at)")

	// 活跃执行唯一性：同一 (playbook, customer) 至多一条 running/paused
	if err := models.MigrateExecutionIndexes(db); err != nil {
		log.Fatalf("Failed to create execution uniqueness index: %v", err)
	}

	log.Println("Additional indexes created successfully!")

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB) {
	// 示例客户
	var customer models.Customer
	if err := db.Where("email = ?", "demo@example.com").First(&customer).Error; err != nil {
		customer = models.Customer{
			Name:        "演示客户",
			Email:       "demo@example.com",
			Company:     "Example Corp",
			HealthScore: 72,
			Tags:        "demo,new",
		}
		db.Create(&customer)
		log.Println("Created demo customer")
	}

	// 示例剧本：三步新客户引导
	var playbook models.Playbook
	if err := db.Where("name = ?", "新客户引导").First(&playbook).Error; err != nil {
		playbook = models.Playbook{
			Name:        "新客户引导",
			Description: "标准的三步 onboarding 流程",
			Steps: `[
  {"title": "发送欢迎邮件", "action": {"type": "send_email", "params": {"template": "welcome"}}},
  {"title": "安排 kickoff 会议"},
  {"title": "确认首次使用", "action": {"type": "send_notification", "params": {"message": "customer onboarded"}}}
]`,
			Active: true,
		}
		db.Create(&playbook)
		log.Println("Created sample playbook")
	}

	// 示例触发器：健康分跌破阈值时通知并启动挽回剧本
	var trigger models.Trigger
	if err := db.Where("name = ?", "健康分告警").First(&trigger).Error; err != nil {
		trigger = models.Trigger{
			Name:            "健康分告警",
			Type:            "health_score_changed",
			Enabled:         true,
			Priority:        "high",
			CooldownMinutes: 60,
			MaxFiresPerDay:  5,
			Conditions:      `[{"field": "health_score", "op": "lt", "value": 40}]`,
			Actions:         `[{"type": "send_notification", "params": {"message": "health score dropped"}}]`,
		}
		db.Create(&trigger)
		log.Println("Created sample trigger")
	}

	// 示例定时自动化：每天早上检查
	var automation models.Automation
	if err := db.Where("name = ?", "每日巡检").First(&automation).Error; err != nil {
		// 首轮扫描认领后由 cron 表达式接管 next_run_at
		next := time.Now().UTC()
		automation = models.Automation{
			Name:            "每日巡检",
			Description:     "每天 9 点汇总一次",
			TriggerType:     "scheduled",
			Schedule:        "0 9 * * *",
			Enabled:         true,
			CooldownMinutes: 60,
			MaxRunsPerDay:   1,
			NextRunAt:       &next,
			Actions:         `[{"type": "send_notification", "params": {"message": "daily check"}}]`,
		}
		db.Create(&automation)
		log.Println("Created sample automation")
	}
}
