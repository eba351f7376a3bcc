package models

import (
	"time"

	"gorm.io/gorm"
)

// 客户
type Customer struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"not null" json:"name"`
	Email       string         `gorm:"index" json:"email"`
	Company     string         `json:"company"`
	HealthScore int            `gorm:"default:50" json:"health_score"` // 0-100
	Tags        string         `json:"tags"`                           // 标签，逗号分隔
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// Playbook 剧本模板：针对一个客户按顺序执行的步骤列表
type Playbook struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"not null" json:"name"`
	Description string         `gorm:"type:text" json:"description"`
	Steps       string         `gorm:"type:text" json:"steps"` // JSON: [{title,action}]
	Active      bool           `gorm:"default:true" json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}
