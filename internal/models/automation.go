package models

import "time"

// Automation 自动化规则：条件满足时执行动作，可手动或定时运行
type Automation struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Name            string     `gorm:"not null" json:"name"`
	Description     string     `gorm:"type:text" json:"description"`
	Enabled         bool       `gorm:"default:true" json:"enabled"`
	TriggerType     string     `gorm:"index;not null" json:"trigger_type"` // event, scheduled, manual
	TriggerConfig   string     `gorm:"type:text" json:"trigger_config"`    // JSON，类型相关的结构化配置
	Conditions      string     `gorm:"type:text" json:"conditions"`        // JSON: [{field,op,value}]
	Actions         string     `gorm:"type:text" json:"actions"`           // JSON: [{type,params,critical}]
	Schedule        string     `json:"schedule"`                           // cron 表达式（仅 scheduled 类型）
	CooldownMinutes int        `gorm:"default:0" json:"cooldown_minutes"`
	MaxRunsPerDay   int        `gorm:"default:0" json:"max_runs_per_day"` // 0 = 不限制
	RunCount        int        `gorm:"default:0" json:"run_count"`
	RunsToday       int        `gorm:"default:0" json:"runs_today"`
	RunsDay         string     `json:"runs_day"` // 按日计数的日期桶，UTC "2006-01-02"
	LastRunAt       *time.Time `json:"last_run_at"`
	NextRunAt       *time.Time `gorm:"index" json:"next_run_at"`
	Version         int64      `gorm:"default:1" json:"version"` // 乐观锁
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Trigger 事件绑定规则，带冷却与每日触发上限
type Trigger struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Name            string     `gorm:"not null" json:"name"`
	Type            string     `gorm:"index;not null" json:"type"` // 事件类别
	Conditions      string     `gorm:"type:text" json:"conditions"`
	Actions         string     `gorm:"type:text" json:"actions"`
	Enabled         bool       `gorm:"default:true" json:"enabled"`
	Priority        string     `gorm:"default:'medium'" json:"priority"` // low, medium, high, critical
	CooldownMinutes int        `gorm:"default:0" json:"cooldown_minutes"`
	MaxFiresPerDay  int        `gorm:"default:0" json:"max_fires_per_day"` // 0 = 不限制
	LastFiredAt     *time.Time `json:"last_fired_at"`
	FireCount       int        `gorm:"default:0" json:"fire_count"`
	FiresToday      int        `gorm:"default:0" json:"fires_today"`
	FiresDay        string     `json:"fires_day"` // UTC "2006-01-02"
	Version         int64      `gorm:"default:1" json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TriggerEvent 每次评估的事实记录，写入后不可变
type TriggerEvent struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TriggerID    *uint     `gorm:"index" json:"trigger_id"`
	AutomationID *uint     `gorm:"index" json:"automation_id"`
	EventType    string    `gorm:"index" json:"event_type"`
	Payload      string    `gorm:"type:text" json:"payload"` // JSON
	Result       string    `gorm:"type:text" json:"result"`  // JSON: {matched,gated,success,actions}
	Status       string    `gorm:"index" json:"status"`      // fired, partially_failed, skipped, gated
	CreatedAt    time.Time `json:"created_at"`
}
