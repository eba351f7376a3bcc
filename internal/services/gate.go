package services

import (
	"errors"
	"time"

	"flowdesk/internal/models"

	"gorm.io/gorm"
)

// ErrFireConflict 表示另一个并发评估已经赢得了同一触发器的 fire 记录
var ErrFireConflict = errors.New("fire admission lost to concurrent update")

// dayBucket 每日计数的日期桶，按 UTC 日历日
func dayBucket(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// MayFire 冷却/限额门：禁用、冷却未到或当日已达上限时拒绝
func MayFire(trigger *models.Trigger, now time.Time) bool {
	if !trigger.Enabled {
		return false
	}
	if trigger.CooldownMinutes > 0 && trigger.LastFiredAt != nil {
		cooldown := time.Duration(trigger.CooldownMinutes) * time.Minute
		if now.Sub(*trigger.LastFiredAt) < cooldown {
			return false
		}
	}
	if trigger.MaxFiresPerDay > 0 && trigger.FiresDay == dayBucket(now) &&
		trigger.FiresToday >= trigger.MaxFiresPerDay {
		return false
	}
	return true
}

// RecordFire 以乐观并发更新记录一次 fire。必须与 TriggerEvent 的写入处于
// 同一事务；版本前置条件保证同一事件的并发评估不会在冷却窗口内双重触发。
// 返回 ErrFireConflict 时调用方应视为 gated。
func RecordFire(tx *gorm.DB, trigger *models.Trigger, now time.Time) error {
	day := dayBucket(now)
	firesToday := 1
	if trigger.FiresDay == day {
		firesToday = trigger.FiresToday + 1
	}

	res := tx.Model(&models.Trigger{}).
		Where("id = ? AND version = ?", trigger.ID, trigger.Version).
		Updates(map[string]interface{}{
			"last_fired_at": now,
			"fire_count":    gorm.Expr("fire_count + 1"),
			"fires_today":   firesToday,
			"fires_day":     day,
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrFireConflict
	}

	trigger.LastFiredAt = &now
	trigger.FireCount++
	trigger.FiresToday = firesToday
	trigger.FiresDay = day
	trigger.Version++
	return nil
}

// MayRun 自动化规则的运行门，语义与 MayFire 一致
func MayRun(a *models.Automation, now time.Time) bool {
	if !a.Enabled {
		return false
	}
	if a.CooldownMinutes > 0 && a.LastRunAt != nil {
		cooldown := time.Duration(a.CooldownMinutes) * time.Minute
		if now.Sub(*a.LastRunAt) < cooldown {
			return false
		}
	}
	if a.MaxRunsPerDay > 0 && a.RunsDay == dayBucket(now) &&
		a.RunsToday >= a.MaxRunsPerDay {
		return false
	}
	return true
}

// RecordRun 记录一次自动化运行（run_count++、last_run_at），同样走版本 CAS
func RecordRun(tx *gorm.DB, a *models.Automation, now time.Time) error {
	day := dayBucket(now)
	runsToday := 1
	if a.RunsDay == day {
		runsToday = a.RunsToday + 1
	}

	res := tx.Model(&models.Automation{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Updates(map[string]interface{}{
			"last_run_at": now,
			"run_count":   gorm.Expr("run_count + 1"),
			"runs_today":  runsToday,
			"runs_day":    day,
			"version":     gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrFireConflict
	}

	a.LastRunAt = &now
	a.RunCount++
	a.RunsToday = runsToday
	a.RunsDay = day
	a.Version++
	return nil
}
