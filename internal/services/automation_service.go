package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowdesk/internal/metrics"
	"flowdesk/internal/models"
	"flowdesk/pkg/ruleparse"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// 自动化规则的触发方式
const (
	AutomationTriggerEvent     = "event"
	AutomationTriggerScheduled = "scheduled"
	AutomationTriggerManual    = "manual"
)

var (
	// ErrParserUnavailable 未配置自然语言解析协作方
	ErrParserUnavailable = errors.New("rule parser not configured")
	// ErrAutomationReferenced 仍被活跃剧本执行引用，拒绝删除
	ErrAutomationReferenced = errors.New("automation referenced by active playbook executions")
)

// AutomationService 自动化规则：创作（含自然语言解析）、运行与统计
type AutomationService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	tracer     trace.Tracer
	dispatcher *Dispatcher
	parser     ruleparse.Parser
	hub        *EventHub
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, dispatcher *Dispatcher) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:         db,
		logger:     logger,
		tracer:     otel.Tracer("flowdesk.automation"),
		dispatcher: dispatcher,
	}
}

// SetParser 注入可选的自然语言规则解析协作方
func (s *AutomationService) SetParser(p ruleparse.Parser) {
	s.parser = p
}

// SetEventHub 注入可选的事件广播
func (s *AutomationService) SetEventHub(hub *EventHub) {
	s.hub = hub
}

// AutomationCreateRequest 创建自动化规则的请求
type AutomationCreateRequest struct {
	Name            string                 `json:"name" binding:"required"`
	Description     string                 `json:"description"`
	TriggerType     string                 `json:"trigger_type" binding:"required"`
	TriggerConfig   map[string]interface{} `json:"trigger_config"`
	Conditions      []Condition            `json:"conditions"`
	Actions         []Action               `json:"actions"`
	Schedule        string                 `json:"schedule"`
	Enabled         *bool                  `json:"enabled"`
	CooldownMinutes int                    `json:"cooldown_minutes"`
	MaxRunsPerDay   int                    `json:"max_runs_per_day"`
}

// AutomationUpdateRequest PATCH 语义：enabled/name/description，其余创建后只读
type AutomationUpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Enabled     *bool   `json:"enabled"`
}

func validTriggerType(t string) bool {
	switch t {
	case AutomationTriggerEvent, AutomationTriggerScheduled, AutomationTriggerManual:
		return true
	}
	return false
}

// nextCronRun 解析标准 cron 表达式并计算下次到期时间
func nextCronRun(spec string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched.Next(from), nil
}

// CreateAutomation 创建自动化规则（结构化创作路径）
func (s *AutomationService) CreateAutomation(ctx context.Context, req *AutomationCreateRequest) (*models.Automation, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	if !validTriggerType(req.TriggerType) {
		return nil, fmt.Errorf("unsupported trigger_type: %s", req.TriggerType)
	}
	if req.CooldownMinutes < 0 || req.MaxRunsPerDay < 0 {
		return nil, fmt.Errorf("cooldown_minutes and max_runs_per_day must be >= 0")
	}
	if err := validateConditions(req.Conditions); err != nil {
		return nil, err
	}
	if err := validateActions(req.Actions); err != nil {
		return nil, err
	}

	var nextRunAt *time.Time
	if req.TriggerType == AutomationTriggerScheduled {
		if req.Schedule == "" {
			return nil, fmt.Errorf("schedule required for scheduled automations")
		}
		next, err := nextCronRun(req.Schedule, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		nextRunAt = &next
	}

	condJSON, err := json.Marshal(req.Conditions)
	if err != nil {
		return nil, fmt.Errorf("invalid conditions: %w", err)
	}
	actJSON, err := json.Marshal(req.Actions)
	if err != nil {
		return nil, fmt.Errorf("invalid actions: %w", err)
	}
	cfgJSON, err := json.Marshal(req.TriggerConfig)
	if err != nil {
		return nil, fmt.Errorf("invalid trigger_config: %w", err)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	automation := &models.Automation{
		Name:            req.Name,
		Description:     req.Description,
		Enabled:         enabled,
		TriggerType:     req.TriggerType,
		TriggerConfig:   string(cfgJSON),
		Conditions:      string(condJSON),
		Actions:         string(actJSON),
		Schedule:        req.Schedule,
		CooldownMinutes: req.CooldownMinutes,
		MaxRunsPerDay:   req.MaxRunsPerDay,
		NextRunAt:       nextRunAt,
		Version:         1,
	}
	if err := s.db.WithContext(ctx).Create(automation).Error; err != nil {
		return nil, err
	}
	return automation, nil
}

// ParseDescription 调用解析协作方，返回结构化规则预览（不落库）
func (s *AutomationService) ParseDescription(ctx context.Context, description string) (*AutomationCreateRequest, error) {
	if s.parser == nil {
		return nil, ErrParserUnavailable
	}
	result, err := s.parser.Parse(ctx, description)
	if err != nil {
		return nil, fmt.Errorf("parse description: %w", err)
	}

	req := &AutomationCreateRequest{
		Name:        result.Name,
		Description: description,
		TriggerType: result.TriggerType,
		Schedule:    result.Schedule,
	}
	for _, c := range result.Conditions {
		req.Conditions = append(req.Conditions, Condition{Field: c.Field, Op: ConditionOp(c.Op), Value: c.Value})
	}
	for _, a := range result.Actions {
		req.Actions = append(req.Actions, Action{Type: ActionType(a.Type), Params: a.Params, Critical: a.Critical})
	}
	// 解析输出同样要过创作时校验
	if !validTriggerType(req.TriggerType) {
		return nil, fmt.Errorf("parser returned unsupported trigger_type: %s", req.TriggerType)
	}
	if err := validateConditions(req.Conditions); err != nil {
		return nil, fmt.Errorf("parser returned invalid conditions: %w", err)
	}
	if err := validateActions(req.Actions); err != nil {
		return nil, fmt.Errorf("parser returned invalid actions: %w", err)
	}
	return req, nil
}

// CreateFromDescription 自然语言创作路径：解析后直接创建
func (s *AutomationService) CreateFromDescription(ctx context.Context, description string) (*models.Automation, error) {
	req, err := s.ParseDescription(ctx, description)
	if err != nil {
		return nil, err
	}
	return s.CreateAutomation(ctx, req)
}

func (s *AutomationService) ListAutomations(ctx context.Context) ([]models.Automation, error) {
	var automations []models.Automation
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&automations).Error; err != nil {
		return nil, err
	}
	return automations, nil
}

func (s *AutomationService) GetAutomation(ctx context.Context, id uint) (*models.Automation, error) {
	var automation models.Automation
	if err := s.db.WithContext(ctx).First(&automation, id).Error; err != nil {
		return nil, err
	}
	return &automation, nil
}

// UpdateAutomation PATCH：仅 enabled/name/description
func (s *AutomationService) UpdateAutomation(ctx context.Context, id uint, req *AutomationUpdateRequest) (*models.Automation, error) {
	if _, err := s.GetAutomation(ctx, id); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil && *req.Name != "" {
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if len(updates) == 0 {
		return s.GetAutomation(ctx, id)
	}
	updates["version"] = gorm.Expr("version + 1")

	if err := s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.GetAutomation(ctx, id)
}

// DeleteAutomation 软约束：动作引用的剧本仍有活跃执行时拒绝删除
func (s *AutomationService) DeleteAutomation(ctx context.Context, id uint) error {
	automation, err := s.GetAutomation(ctx, id)
	if err != nil {
		return err
	}

	var actions []Action
	if automation.Actions != "" {
		if err := json.Unmarshal([]byte(automation.Actions), &actions); err == nil {
			for _, a := range actions {
				if a.Type != ActionStartPlaybook {
					continue
				}
				playbookID := uintParam(a.Params, "playbook_id")
				if playbookID == 0 {
					continue
				}
				var active int64
				if err := s.db.WithContext(ctx).Model(&models.PlaybookExecution{}).
					Where("playbook_id = ? AND status IN ?", playbookID,
						[]string{models.ExecutionRunning, models.ExecutionPaused}).
					Count(&active).Error; err != nil {
					return err
				}
				if active > 0 {
					return ErrAutomationReferenced
				}
			}
		}
	}

	result := s.db.WithContext(ctx).Delete(&models.Automation{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Run 手动运行：绕过调度器，但仍受冷却/限额门约束。
// 评估 → 门 → 派发与触发器引擎共用同一条路径语义。
func (s *AutomationService) Run(ctx context.Context, id uint, payload map[string]interface{}) (*EvaluationOutcome, error) {
	return s.run(ctx, id, payload, "manual_run")
}

// RunScheduled 调度器到期运行，合成 tick 事件
func (s *AutomationService) RunScheduled(ctx context.Context, id uint) (*EvaluationOutcome, error) {
	return s.run(ctx, id, map[string]interface{}{"tick": time.Now().UTC().Format(time.RFC3339)}, "scheduled_tick")
}

func (s *AutomationService) run(ctx context.Context, id uint, payload map[string]interface{}, eventType string) (*EvaluationOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "automation.run")
	defer span.End()
	span.SetAttributes(attribute.Int("automation.id", int(id)), attribute.String("event.type", eventType))

	automation, err := s.GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	outcome := &EvaluationOutcome{TriggerID: automation.ID, TriggerName: automation.Name}

	if !automation.Enabled {
		return nil, fmt.Errorf("automation %d is disabled", id)
	}

	var conds []Condition
	if automation.Conditions != "" {
		if err := json.Unmarshal([]byte(automation.Conditions), &conds); err != nil {
			return nil, fmt.Errorf("invalid conditions: %w", err)
		}
	}
	if !EvaluateConditions(conds, payload) {
		outcome.Status = OutcomeSkipped
		rec := s.recordAutomationEvent(ctx, s.db, automation, eventType, payload,
			models.TriggerEvent{Status: OutcomeSkipped}, EventResult{Matched: false})
		if rec != nil {
			outcome.EventID = rec.ID
		}
		return outcome, nil
	}

	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fresh models.Automation
		if err := tx.First(&fresh, id).Error; err != nil {
			return err
		}

		if !MayRun(&fresh, now) {
			outcome.Status = OutcomeGated
			rec := s.recordAutomationEvent(ctx, tx, &fresh, eventType, payload,
				models.TriggerEvent{Status: OutcomeGated}, EventResult{Matched: true, Gated: true})
			if rec != nil {
				outcome.EventID = rec.ID
			}
			return nil
		}

		// 幂等键锚定在本次 run 准入时的版本号上，重放同一次 run 得到同一组键
		runKey := fmt.Sprintf("auto-%d-v%d", fresh.ID, fresh.Version)

		if err := RecordRun(tx, &fresh, now); err != nil {
			if err == ErrFireConflict {
				outcome.Status = OutcomeGated
				rec := s.recordAutomationEvent(ctx, tx, &fresh, eventType, payload,
					models.TriggerEvent{Status: OutcomeGated}, EventResult{Matched: true, Gated: true})
				if rec != nil {
					outcome.EventID = rec.ID
				}
				return nil
			}
			return err
		}

		var actions []Action
		if fresh.Actions != "" {
			if err := json.Unmarshal([]byte(fresh.Actions), &actions); err != nil {
				return fmt.Errorf("invalid actions: %w", err)
			}
		}

		dr := s.dispatcher.Dispatch(ctx, actions, DispatchContext{
			EventKey:     runKey,
			EventType:    eventType,
			AutomationID: fresh.ID,
			CustomerID:   uintParam(payload, "customer_id"),
			Payload:      payload,
		})

		status := OutcomeFired
		if !dr.Success {
			status = OutcomePartiallyFailed
		}
		outcome.Status = status
		rec := s.recordAutomationEvent(ctx, tx, &fresh, eventType, payload,
			models.TriggerEvent{Status: status}, EventResult{Matched: true, Success: dr.Success, Actions: dr.Actions})
		if rec != nil {
			outcome.EventID = rec.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Status == OutcomeFired || outcome.Status == OutcomePartiallyFailed {
		s.logger.Infof("automation %s run via %s (%s)", automation.Name, eventType, outcome.Status)
		metrics.IncAutomationRun()
		s.hub.Publish(EngineEventAutomationRun, outcome)
	}
	return outcome, nil
}

func (s *AutomationService) recordAutomationEvent(ctx context.Context, tx *gorm.DB, a *models.Automation, eventType string, payload map[string]interface{}, rec models.TriggerEvent, result EventResult) *models.TriggerEvent {
	payloadJSON, _ := json.Marshal(payload)
	resultJSON, _ := json.Marshal(result)

	rec.AutomationID = &a.ID
	rec.EventType = eventType
	rec.Payload = string(payloadJSON)
	rec.Result = string(resultJSON)
	rec.CreatedAt = time.Now().UTC()

	if err := tx.WithContext(ctx).Create(&rec).Error; err != nil {
		s.logger.Warnf("automation %d: record event failed: %v", a.ID, err)
		return nil
	}
	return &rec
}

// AutomationStatsResponse 自动化侧只读统计
type AutomationStatsResponse struct {
	TotalAutomations   int64 `json:"total_automations"`
	EnabledAutomations int64 `json:"enabled_automations"`
	TotalRuns          int64 `json:"total_runs"`
	RunsToday          int64 `json:"runs_today"`
	ScheduledDue       int64 `json:"scheduled_due"`
}

func (s *AutomationService) GetAutomationStats(ctx context.Context) (*AutomationStatsResponse, error) {
	stats := &AutomationStatsResponse{}
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Automation{}).Count(&stats.TotalAutomations).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Automation{}).Where("enabled = ?", true).Count(&stats.EnabledAutomations).Error; err != nil {
		return nil, err
	}

	var totalRuns *int64
	if err := db.Model(&models.Automation{}).Select("COALESCE(SUM(run_count), 0)").Scan(&totalRuns).Error; err != nil {
		return nil, err
	}
	if totalRuns != nil {
		stats.TotalRuns = *totalRuns
	}

	var runsToday *int64
	if err := db.Model(&models.Automation{}).
		Select("COALESCE(SUM(runs_today), 0)").
		Where("runs_day = ?", dayBucket(time.Now())).
		Scan(&runsToday).Error; err != nil {
		return nil, err
	}
	if runsToday != nil {
		stats.RunsToday = *runsToday
	}

	if err := db.Model(&models.Automation{}).
		Where("enabled = ? AND trigger_type = ? AND next_run_at <= ?",
			true, AutomationTriggerScheduled, time.Now().UTC()).
		Count(&stats.ScheduledDue).Error; err != nil {
		return nil, err
	}
	return stats, nil
}
