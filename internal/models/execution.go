package models

import (
	"time"

	"gorm.io/gorm"
)

// PlaybookExecution 状态
const (
	ExecutionRunning   = "running"
	ExecutionPaused    = "paused"
	ExecutionCompleted = "completed"
	ExecutionCancelled = "cancelled"
	ExecutionFailed    = "failed"
)

// IsTerminalExecutionStatus reports whether the status admits no further transitions.
func IsTerminalExecutionStatus(status string) bool {
	switch status {
	case ExecutionCompleted, ExecutionCancelled, ExecutionFailed:
		return true
	}
	return false
}

// PlaybookExecution 一次剧本在单个客户上的执行
// 不变式：0 <= current_step <= total_steps；到达 total_steps 即 completed；
// 同一 (playbook_id, customer_id) 同时最多一条 running/paused 记录。
type PlaybookExecution struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	PlaybookID  uint       `gorm:"index:idx_exec_pair" json:"playbook_id"`
	CustomerID  uint       `gorm:"index:idx_exec_pair" json:"customer_id"`
	CurrentStep int        `gorm:"default:0" json:"current_step"`
	TotalSteps  int        `gorm:"not null" json:"total_steps"`
	Status      string     `gorm:"index;default:'running'" json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
	Version     int64      `gorm:"default:1" json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Playbook Playbook `gorm:"foreignKey:PlaybookID" json:"playbook,omitempty"`
	Customer Customer `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
}

// MigrateExecutionIndexes 建立活跃执行的部分唯一索引：同一
// (playbook_id, customer_id) 至多一条 running/paused 记录。
// 并发创建穿过计数预检时，后提交方在 INSERT 处撞索引失败。
func MigrateExecutionIndexes(db *gorm.DB) error {
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_active_pair
ON playbook_executions (playbook_id, customer_id)
WHERE status IN ('running', 'paused')`).Error
}

// ExecutionStepLog 执行审计：advanced 与 skipped 记录不同的标记
type ExecutionStepLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ExecutionID uint      `gorm:"index" json:"execution_id"`
	StepIndex   int       `json:"step_index"`
	Action      string    `gorm:"index" json:"action"` // started, advanced, skipped, paused, resumed, cancelled, completed, failed
	Note        string    `gorm:"type:text" json:"note"`
	CreatedAt   time.Time `json:"created_at"`
}
