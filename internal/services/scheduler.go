package services

import (
	"context"
	"time"

	"flowdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Scheduler 周期扫描到期的定时自动化并合成 tick 事件送入引擎。
// 到期认领是对 next_run_at 的版本 CAS：多实例并发扫描时恰有一个实例
// 认领成功，冷却/限额门是重复认领的兜底。
type Scheduler struct {
	db          *gorm.DB
	logger      *logrus.Logger
	automations *AutomationService
	triggers    *TriggerService
	interval    time.Duration
	workers     int
	jobs        chan uint
}

const (
	defaultSweepInterval = 30 * time.Second
	defaultWorkers       = 4
	// 运行失败后的重试延迟（仅瞬态失败类）
	retryDelay = 5 * time.Minute
)

func NewScheduler(db *gorm.DB, logger *logrus.Logger, automations *AutomationService, triggers *TriggerService, interval time.Duration, workers int) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Scheduler{
		db:          db,
		logger:      logger,
		automations: automations,
		triggers:    triggers,
		interval:    interval,
		workers:     workers,
		jobs:        make(chan uint, workers*4),
	}
}

// Start 启动扫描循环与工作池，阻塞直到 ctx 取消
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Infof("Starting scheduler: interval=%s workers=%d", s.interval, s.workers)

	for i := 0; i < s.workers; i++ {
		go s.worker(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Errorf("scheduler sweep error: %v", err)
			}
		}
	}
}

// Sweep 单轮扫描：认领到期的定时自动化并把 tick 喂给 tick 类触发器
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	var due []models.Automation
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND trigger_type = ? AND next_run_at <= ?",
			true, AutomationTriggerScheduled, now).
		Find(&due).Error; err != nil {
		return err
	}

	for _, automation := range due {
		if !s.claim(ctx, &automation, now) {
			continue // 其他实例已认领
		}
		select {
		case s.jobs <- automation.ID:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// tick 类触发器每轮都参与评估，触发频率由各自的冷却窗口控制
	if s.triggers != nil {
		if _, err := s.triggers.ProcessEvent(ctx, Event{
			Type:    "tick",
			Payload: map[string]interface{}{"tick": now.Format(time.RFC3339)},
		}); err != nil {
			s.logger.Warnf("scheduler: tick evaluation failed: %v", err)
		}
	}
	return nil
}

// claim 认领一条到期自动化：推进 next_run_at 的版本 CAS，零行生效即认领失败
func (s *Scheduler) claim(ctx context.Context, automation *models.Automation, now time.Time) bool {
	next, err := nextCronRun(automation.Schedule, now)
	if err != nil {
		s.logger.Warnf("scheduler: automation %d has invalid schedule: %v", automation.ID, err)
		// 无法计算下次时间则禁用，避免每轮重复报错
		s.db.WithContext(ctx).Model(&models.Automation{}).
			Where("id = ?", automation.ID).
			Updates(map[string]interface{}{"enabled": false, "version": gorm.Expr("version + 1")})
		return false
	}

	res := s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ? AND version = ? AND next_run_at <= ?", automation.ID, automation.Version, now).
		Updates(map[string]interface{}{
			"next_run_at": next,
			"version":     gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		s.logger.Errorf("scheduler: claim automation %d failed: %v", automation.ID, res.Error)
		return false
	}
	return res.RowsAffected == 1
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.jobs:
			outcome, err := s.automations.RunScheduled(ctx, id)
			if err != nil {
				s.logger.Warnf("scheduler: automation %d run failed: %v", id, err)
				if IsTransientError(err) {
					s.scheduleRetry(ctx, id)
				}
				continue
			}
			s.logger.Debugf("scheduler: automation %d run outcome=%s", id, outcome.Status)
		}
	}
}

// scheduleRetry 瞬态失败后提前重试，不等下一个 cron 周期
func (s *Scheduler) scheduleRetry(ctx context.Context, id uint) {
	retryAt := time.Now().UTC().Add(retryDelay)
	if err := s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ? AND enabled = ? AND next_run_at > ?", id, true, retryAt).
		Updates(map[string]interface{}{
			"next_run_at": retryAt,
			"version":     gorm.Expr("version + 1"),
		}).Error; err != nil {
		s.logger.Warnf("scheduler: schedule retry for automation %d failed: %v", id, err)
	}
}
