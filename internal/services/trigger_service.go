package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowdesk/internal/metrics"
	"flowdesk/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Event 进入引擎的外部事件或调度 tick
type Event struct {
	Type       string                 `json:"type"`
	CustomerID uint                   `json:"customer_id"`
	Payload    map[string]interface{} `json:"payload"`
}

// 单次评估的终态
const (
	OutcomeSkipped         = "skipped"          // 条件不满足
	OutcomeGated           = "gated"            // 冷却/限额拒绝
	OutcomeFired           = "fired"            // 全部动作成功
	OutcomePartiallyFailed = "partially_failed" // 部分动作失败
)

// EvaluationOutcome 一条触发器对一个事件的评估结果
type EvaluationOutcome struct {
	TriggerID   uint   `json:"trigger_id"`
	TriggerName string `json:"trigger_name"`
	Status      string `json:"status"`
	EventID     uint   `json:"event_id,omitempty"`
}

// EventResult TriggerEvent.result 的结构
type EventResult struct {
	Matched bool           `json:"matched"`
	Gated   bool           `json:"gated"`
	Success bool           `json:"success"`
	Actions []ActionResult `json:"actions,omitempty"`
}

// TriggerService 触发器引擎：评估 → 冷却门 → 派发，并落 TriggerEvent 审计
type TriggerService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	tracer     trace.Tracer
	dispatcher *Dispatcher
	hub        *EventHub
}

func NewTriggerService(db *gorm.DB, logger *logrus.Logger, dispatcher *Dispatcher) *TriggerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TriggerService{
		db:         db,
		logger:     logger,
		tracer:     otel.Tracer("flowdesk.trigger"),
		dispatcher: dispatcher,
	}
}

// SetEventHub 注入可选的事件广播（未设置则仅落库）
func (s *TriggerService) SetEventHub(hub *EventHub) {
	s.hub = hub
}

// TriggerCreateRequest 创建触发器的请求
type TriggerCreateRequest struct {
	Name            string      `json:"name" binding:"required"`
	Type            string      `json:"type" binding:"required"`
	Conditions      []Condition `json:"conditions"`
	Actions         []Action    `json:"actions"`
	Enabled         *bool       `json:"enabled"`
	Priority        string      `json:"priority"`
	CooldownMinutes int         `json:"cooldown_minutes"`
	MaxFiresPerDay  int         `json:"max_fires_per_day"`
}

// TriggerUpdateRequest PATCH 语义：仅允许这些字段
type TriggerUpdateRequest struct {
	Name            *string `json:"name"`
	Enabled         *bool   `json:"enabled"`
	Priority        *string `json:"priority"`
	CooldownMinutes *int    `json:"cooldown_minutes"`
	MaxFiresPerDay  *int    `json:"max_fires_per_day"`
}

func validPriority(p string) bool {
	switch p {
	case "low", "medium", "high", "critical":
		return true
	}
	return false
}

// validateConditions 规则创作时的同步校验，非法条件不会进入引擎
func validateConditions(conds []Condition) error {
	for i, c := range conds {
		if c.Field == "" {
			return fmt.Errorf("condition %d: field required", i)
		}
		switch c.Op {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpIn:
		default:
			return fmt.Errorf("condition %d: unsupported op %q", i, c.Op)
		}
	}
	return nil
}

func validateActions(actions []Action) error {
	for i, a := range actions {
		switch a.Type {
		case ActionSendNotification, ActionCreateTask, ActionSendEmail,
			ActionStartPlaybook, ActionUpdateField, ActionWebhook:
		default:
			return fmt.Errorf("action %d: unsupported type %q", i, a.Type)
		}
	}
	return nil
}

// CreateTrigger 新建触发器
func (s *TriggerService) CreateTrigger(ctx context.Context, req *TriggerCreateRequest) (*models.Trigger, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	if req.CooldownMinutes < 0 {
		return nil, fmt.Errorf("cooldown_minutes must be >= 0")
	}
	if req.MaxFiresPerDay < 0 {
		return nil, fmt.Errorf("max_fires_per_day must be >= 0")
	}
	if err := validateConditions(req.Conditions); err != nil {
		return nil, err
	}
	if err := validateActions(req.Actions); err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == "" {
		priority = "medium"
	}
	if !validPriority(priority) {
		return nil, fmt.Errorf("invalid priority: %s", priority)
	}

	condJSON, err := json.Marshal(req.Conditions)
	if err != nil {
		return nil, fmt.Errorf("invalid conditions: %w", err)
	}
	actJSON, err := json.Marshal(req.Actions)
	if err != nil {
		return nil, fmt.Errorf("invalid actions: %w", err)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	trigger := &models.Trigger{
		Name:            req.Name,
		Type:            req.Type,
		Conditions:      string(condJSON),
		Actions:         string(actJSON),
		Enabled:         enabled,
		Priority:        priority,
		CooldownMinutes: req.CooldownMinutes,
		MaxFiresPerDay:  req.MaxFiresPerDay,
		Version:         1,
	}
	if err := s.db.WithContext(ctx).Create(trigger).Error; err != nil {
		return nil, err
	}
	return trigger, nil
}

// ListTriggers 返回所有触发器
func (s *TriggerService) ListTriggers(ctx context.Context) ([]models.Trigger, error) {
	var triggers []models.Trigger
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&triggers).Error; err != nil {
		return nil, err
	}
	return triggers, nil
}

func (s *TriggerService) GetTrigger(ctx context.Context, id uint) (*models.Trigger, error) {
	var trigger models.Trigger
	if err := s.db.WithContext(ctx).First(&trigger, id).Error; err != nil {
		return nil, err
	}
	return &trigger, nil
}

// UpdateTrigger PATCH：开关、名称与 fire 控制属性；条件/动作创建后只读
func (s *TriggerService) UpdateTrigger(ctx context.Context, id uint, req *TriggerUpdateRequest) (*models.Trigger, error) {
	trigger, err := s.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil && *req.Name != "" {
		updates["name"] = *req.Name
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if req.Priority != nil {
		if !validPriority(*req.Priority) {
			return nil, fmt.Errorf("invalid priority: %s", *req.Priority)
		}
		updates["priority"] = *req.Priority
	}
	if req.CooldownMinutes != nil {
		if *req.CooldownMinutes < 0 {
			return nil, fmt.Errorf("cooldown_minutes must be >= 0")
		}
		updates["cooldown_minutes"] = *req.CooldownMinutes
	}
	if req.MaxFiresPerDay != nil {
		if *req.MaxFiresPerDay < 0 {
			return nil, fmt.Errorf("max_fires_per_day must be >= 0")
		}
		updates["max_fires_per_day"] = *req.MaxFiresPerDay
	}
	if len(updates) == 0 {
		return trigger, nil
	}
	updates["version"] = gorm.Expr("version + 1")

	if err := s.db.WithContext(ctx).Model(&models.Trigger{}).
		Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.GetTrigger(ctx, id)
}

func (s *TriggerService) DeleteTrigger(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.Trigger{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ProcessEvent 将一个事件喂给其类型下所有启用的触发器。
// 状态机：received → evaluating → {skipped, gated, firing → fired|partially_failed}
func (s *TriggerService) ProcessEvent(ctx context.Context, evt Event) ([]EvaluationOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "trigger.process_event")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", evt.Type))

	var triggers []models.Trigger
	if err := s.db.WithContext(ctx).
		Where("type = ? AND enabled = ?", evt.Type, true).
		Order("id").
		Find(&triggers).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load triggers: %w", err)
	}

	outcomes := make([]EvaluationOutcome, 0, len(triggers))
	for _, trigger := range triggers {
		outcome := s.evaluateTrigger(ctx, trigger, evt)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (s *TriggerService) evaluateTrigger(ctx context.Context, trigger models.Trigger, evt Event) EvaluationOutcome {
	outcome := EvaluationOutcome{TriggerID: trigger.ID, TriggerName: trigger.Name}

	var conds []Condition
	if trigger.Conditions != "" {
		if err := json.Unmarshal([]byte(trigger.Conditions), &conds); err != nil {
			s.logger.Warnf("trigger %d: invalid conditions: %v", trigger.ID, err)
			outcome.Status = OutcomeSkipped
			return outcome
		}
	}

	if !EvaluateConditions(conds, evt.Payload) {
		outcome.Status = OutcomeSkipped
		evtRec := s.recordTriggerEvent(ctx, s.db, &trigger, evt, models.TriggerEvent{Status: OutcomeSkipped},
			EventResult{Matched: false})
		if evtRec != nil {
			outcome.EventID = evtRec.ID
		}
		return outcome
	}

	now := time.Now().UTC()

	// fire 记录与 TriggerEvent 写入在同一事务，版本 CAS 防止并发双重触发
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fresh models.Trigger
		if err := tx.First(&fresh, trigger.ID).Error; err != nil {
			return err
		}

		if !MayFire(&fresh, now) {
			outcome.Status = OutcomeGated
			evtRec := s.recordTriggerEvent(ctx, tx, &fresh, evt, models.TriggerEvent{Status: OutcomeGated},
				EventResult{Matched: true, Gated: true})
			if evtRec != nil {
				outcome.EventID = evtRec.ID
			}
			return nil
		}

		// 幂等键锚定在本次 fire 准入时的版本号上：同一次 firing 重放得到
		// 同一组键，回滚后的重新评估不会在协作方产生新的副作用
		fireKey := fmt.Sprintf("trig-%d-v%d", fresh.ID, fresh.Version)

		if err := RecordFire(tx, &fresh, now); err != nil {
			if err == ErrFireConflict {
				// 并发评估抢先记录了 fire，本次按 gated 处理
				outcome.Status = OutcomeGated
				evtRec := s.recordTriggerEvent(ctx, tx, &fresh, evt, models.TriggerEvent{Status: OutcomeGated},
					EventResult{Matched: true, Gated: true})
				if evtRec != nil {
					outcome.EventID = evtRec.ID
				}
				return nil
			}
			return err
		}

		var actions []Action
		if fresh.Actions != "" {
			if err := json.Unmarshal([]byte(fresh.Actions), &actions); err != nil {
				return fmt.Errorf("trigger %d: invalid actions: %w", fresh.ID, err)
			}
		}

		dr := s.dispatcher.Dispatch(ctx, actions, DispatchContext{
			EventKey:   fireKey,
			EventType:  evt.Type,
			TriggerID:  fresh.ID,
			CustomerID: evt.CustomerID,
			Payload:    evt.Payload,
		})

		status := OutcomeFired
		if !dr.Success {
			status = OutcomePartiallyFailed
		}
		outcome.Status = status
		evtRec := s.recordTriggerEvent(ctx, tx, &fresh, evt, models.TriggerEvent{Status: status},
			EventResult{Matched: true, Success: dr.Success, Actions: dr.Actions})
		if evtRec != nil {
			outcome.EventID = evtRec.ID
		}
		return nil
	})
	if err != nil {
		s.logger.Errorf("trigger %d: evaluation failed: %v", trigger.ID, err)
		outcome.Status = OutcomeSkipped
		return outcome
	}

	switch outcome.Status {
	case OutcomeFired, OutcomePartiallyFailed:
		s.logger.Infof("trigger %s fired on event %s (%s)", trigger.Name, evt.Type, outcome.Status)
		metrics.IncTriggerFired()
		s.hub.Publish(EngineEventTriggerFired, outcome)
	case OutcomeGated:
		metrics.IncTriggerGated()
		s.hub.Publish(EngineEventTriggerGated, outcome)
	}
	return outcome
}

// recordTriggerEvent 落一条不可变审计记录；失败只记日志，不影响评估结果
func (s *TriggerService) recordTriggerEvent(ctx context.Context, tx *gorm.DB, trigger *models.Trigger, evt Event, rec models.TriggerEvent, result EventResult) *models.TriggerEvent {
	payloadJSON, _ := json.Marshal(evt.Payload)
	resultJSON, _ := json.Marshal(result)

	rec.TriggerID = &trigger.ID
	rec.EventType = evt.Type
	rec.Payload = string(payloadJSON)
	rec.Result = string(resultJSON)
	rec.CreatedAt = time.Now().UTC()

	if err := tx.WithContext(ctx).Create(&rec).Error; err != nil {
		s.logger.Warnf("trigger %d: record event failed: %v", trigger.ID, err)
		return nil
	}
	return &rec
}

// ListTriggerEvents 触发器审计事件，分页，新的在前
func (s *TriggerService) ListTriggerEvents(ctx context.Context, triggerID uint, page, pageSize int) ([]models.TriggerEvent, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.TriggerEvent{}).Where("trigger_id = ?", triggerID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.TriggerEvent
	if err := query.Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// TriggerStatsResponse 触发器侧只读统计
type TriggerStatsResponse struct {
	TotalTriggers   int64            `json:"total_triggers"`
	EnabledTriggers int64            `json:"enabled_triggers"`
	TotalFires      int64            `json:"total_fires"`
	FiresToday      int64            `json:"fires_today"`
	EventsByStatus  map[string]int64 `json:"events_by_status"`
}

func (s *TriggerService) GetTriggerStats(ctx context.Context) (*TriggerStatsResponse, error) {
	stats := &TriggerStatsResponse{EventsByStatus: map[string]int64{}}
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Trigger{}).Count(&stats.TotalTriggers).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Trigger{}).Where("enabled = ?", true).Count(&stats.EnabledTriggers).Error; err != nil {
		return nil, err
	}

	var totalFires *int64
	if err := db.Model(&models.Trigger{}).Select("COALESCE(SUM(fire_count), 0)").Scan(&totalFires).Error; err != nil {
		return nil, err
	}
	if totalFires != nil {
		stats.TotalFires = *totalFires
	}

	var firesToday *int64
	if err := db.Model(&models.Trigger{}).
		Select("COALESCE(SUM(fires_today), 0)").
		Where("fires_day = ?", dayBucket(time.Now())).
		Scan(&firesToday).Error; err != nil {
		return nil, err
	}
	if firesToday != nil {
		stats.FiresToday = *firesToday
	}

	rows := []struct {
		Status string
		N      int64
	}{}
	if err := db.Model(&models.TriggerEvent{}).
		Select("status, COUNT(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats.EventsByStatus[r.Status] = r.N
	}
	return stats, nil
}
