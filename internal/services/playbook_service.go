package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowdesk/internal/metrics"
	"flowdesk/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var (
	// ErrExecutionActive 同一 (playbook, customer) 已有 running/paused 的执行
	ErrExecutionActive = errors.New("an active execution already exists for this playbook and customer")
	// ErrExecutionTerminal 终态执行拒绝一切后续操作
	ErrExecutionTerminal = errors.New("execution is in a terminal state")
	// ErrTransitionConflict 并发操作竞争同一执行，或当前状态不允许该操作。
	// 调用方不能假定自己的操作已生效，应重新读取当前状态。
	ErrTransitionConflict = errors.New("execution transition conflict")
)

// PlaybookStep 剧本模板中的单个步骤
type PlaybookStep struct {
	Title  string  `json:"title"`
	Action *Action `json:"action,omitempty"`
}

// PlaybookService 剧本模板 CRUD 与执行状态机。
// 每个执行的全部状态变更都经由带版本前置条件的单条 UPDATE 串行化：
// advance/skip/pause/resume/cancel 竞争时恰有一方成功，败方观察到
// 冲突或终态并拒绝自身操作，current_step 不可能重复递增。
type PlaybookService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	tracer     trace.Tracer
	dispatcher *Dispatcher
	hub        *EventHub
}

func NewPlaybookService(db *gorm.DB, logger *logrus.Logger, dispatcher *Dispatcher) *PlaybookService {
	if logger == nil {
		logger = logrus.New()
	}
	return &PlaybookService{
		db:         db,
		logger:     logger,
		tracer:     otel.Tracer("flowdesk.playbook"),
		dispatcher: dispatcher,
	}
}

// SetEventHub 注入可选的事件广播
func (s *PlaybookService) SetEventHub(hub *EventHub) {
	s.hub = hub
}

// SetDispatcher 后置注入派发器。剧本服务同时是 start_playbook 动作的
// 协作方，与派发器互相依赖，装配时先建服务再回填。
func (s *PlaybookService) SetDispatcher(d *Dispatcher) {
	s.dispatcher = d
}

// PlaybookCreateRequest 创建剧本模板
type PlaybookCreateRequest struct {
	Name        string         `json:"name" binding:"required"`
	Description string         `json:"description"`
	Steps       []PlaybookStep `json:"steps" binding:"required"`
	Active      *bool          `json:"active"`
}

func (s *PlaybookService) CreatePlaybook(ctx context.Context, req *PlaybookCreateRequest) (*models.Playbook, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	if len(req.Steps) == 0 {
		return nil, fmt.Errorf("playbook requires at least one step")
	}
	for i, step := range req.Steps {
		if step.Title == "" {
			return nil, fmt.Errorf("step %d: title required", i)
		}
		if step.Action != nil {
			if err := validateActions([]Action{*step.Action}); err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
		}
	}

	stepsJSON, err := json.Marshal(req.Steps)
	if err != nil {
		return nil, fmt.Errorf("invalid steps: %w", err)
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	playbook := &models.Playbook{
		Name:        req.Name,
		Description: req.Description,
		Steps:       string(stepsJSON),
		Active:      active,
	}
	if err := s.db.WithContext(ctx).Create(playbook).Error; err != nil {
		return nil, err
	}
	return playbook, nil
}

func (s *PlaybookService) ListPlaybooks(ctx context.Context) ([]models.Playbook, error) {
	var playbooks []models.Playbook
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&playbooks).Error; err != nil {
		return nil, err
	}
	return playbooks, nil
}

func (s *PlaybookService) GetPlaybook(ctx context.Context, id uint) (*models.Playbook, error) {
	var playbook models.Playbook
	if err := s.db.WithContext(ctx).First(&playbook, id).Error; err != nil {
		return nil, err
	}
	return &playbook, nil
}

func (s *PlaybookService) playbookSteps(playbook *models.Playbook) ([]PlaybookStep, error) {
	var steps []PlaybookStep
	if playbook.Steps != "" {
		if err := json.Unmarshal([]byte(playbook.Steps), &steps); err != nil {
			return nil, fmt.Errorf("playbook %d: invalid steps: %w", playbook.ID, err)
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("playbook %d has no steps", playbook.ID)
	}
	return steps, nil
}

// Execute 为一个客户创建执行，起始于第 0 步。
// 同一 (playbook, customer) 已有活跃执行时返回 ErrExecutionActive。
func (s *PlaybookService) Execute(ctx context.Context, playbookID, customerID uint) (*models.PlaybookExecution, error) {
	ctx, span := s.tracer.Start(ctx, "playbook.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int("playbook.id", int(playbookID)),
		attribute.Int("customer.id", int(customerID)),
	)

	playbook, err := s.GetPlaybook(ctx, playbookID)
	if err != nil {
		return nil, err
	}
	if !playbook.Active {
		return nil, fmt.Errorf("playbook %d is not active", playbookID)
	}
	steps, err := s.playbookSteps(playbook)
	if err != nil {
		return nil, err
	}

	execution := &models.PlaybookExecution{
		PlaybookID:  playbookID,
		CustomerID:  customerID,
		CurrentStep: 0,
		TotalSteps:  len(steps),
		Status:      models.ExecutionRunning,
		StartedAt:   time.Now().UTC(),
		Version:     1,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 计数预检给出友好错误；唯一性本身由活跃执行的部分唯一索引保证，
		// 并发创建穿过预检时后提交方在 INSERT 处失败
		var active int64
		if err := tx.Model(&models.PlaybookExecution{}).
			Where("playbook_id = ? AND customer_id = ? AND status IN ?",
				playbookID, customerID,
				[]string{models.ExecutionRunning, models.ExecutionPaused}).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrExecutionActive
		}
		if err := tx.Create(execution).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrExecutionActive
			}
			return err
		}
		return s.appendStepLog(tx, execution.ID, 0, "started", playbook.Name)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("playbook %s execution %d started for customer %d", playbook.Name, execution.ID, customerID)
	s.hub.Publish(EngineEventExecutionStarted, execution)
	return execution, nil
}

// StartPlaybook 实现派发器的 PlaybookStarter 协作方接口
func (s *PlaybookService) StartPlaybook(ctx context.Context, idemKey string, playbookID, customerID uint) error {
	_, err := s.Execute(ctx, playbookID, customerID)
	if errors.Is(err, ErrExecutionActive) {
		// 已有活跃执行等价于本次启动的幂等结果
		s.logger.Infof("start_playbook %s: execution already active for playbook %d customer %d", idemKey, playbookID, customerID)
		return nil
	}
	return err
}

func (s *PlaybookService) GetExecution(ctx context.Context, id uint) (*models.PlaybookExecution, error) {
	var execution models.PlaybookExecution
	if err := s.db.WithContext(ctx).First(&execution, id).Error; err != nil {
		return nil, err
	}
	return &execution, nil
}

// ListActiveExecutions running/paused 的执行
func (s *PlaybookService) ListActiveExecutions(ctx context.Context) ([]models.PlaybookExecution, error) {
	var executions []models.PlaybookExecution
	if err := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.ExecutionRunning, models.ExecutionPaused}).
		Order("id DESC").
		Find(&executions).Error; err != nil {
		return nil, err
	}
	return executions, nil
}

// ListExecutionLogs 执行审计，旧的在前
func (s *PlaybookService) ListExecutionLogs(ctx context.Context, executionID uint) ([]models.ExecutionStepLog, error) {
	if _, err := s.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	var logs []models.ExecutionStepLog
	if err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("id").
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// Advance 执行当前步骤的动作并前进一步；动作失败则转入终态 failed 而非停滞
func (s *PlaybookService) Advance(ctx context.Context, executionID uint) (*models.PlaybookExecution, error) {
	return s.advance(ctx, executionID, false)
}

// Skip 跳过当前步骤：不执行动作，审计里记 skipped 标记
func (s *PlaybookService) Skip(ctx context.Context, executionID uint) (*models.PlaybookExecution, error) {
	return s.advance(ctx, executionID, true)
}

func (s *PlaybookService) advance(ctx context.Context, executionID uint, skip bool) (*models.PlaybookExecution, error) {
	op := "advance"
	if skip {
		op = "skip"
	}
	ctx, span := s.tracer.Start(ctx, "playbook."+op)
	defer span.End()
	span.SetAttributes(attribute.Int("execution.id", int(executionID)))

	execution, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalExecutionStatus(execution.Status) {
		return execution, ErrExecutionTerminal
	}
	if execution.Status != models.ExecutionRunning {
		return execution, ErrTransitionConflict
	}
	if execution.CurrentStep >= execution.TotalSteps {
		// 不变式被破坏才会走到这里
		return execution, ErrTransitionConflict
	}

	stepIndex := execution.CurrentStep

	if !skip {
		if failErr := s.runStepAction(ctx, execution, stepIndex); failErr != nil {
			return s.failExecution(ctx, execution, stepIndex, failErr)
		}
	}

	newStep := execution.CurrentStep + 1
	updates := map[string]interface{}{
		"current_step": newStep,
		"version":      gorm.Expr("version + 1"),
	}
	completed := newStep == execution.TotalSteps
	if completed {
		updates["status"] = models.ExecutionCompleted
		updates["ended_at"] = time.Now().UTC()
	}

	if err := s.applyTransition(ctx, execution, updates, models.ExecutionRunning); err != nil {
		return s.refreshAfterConflict(ctx, executionID, err)
	}

	logAction := "advanced"
	if skip {
		logAction = "skipped"
	}
	if err := s.appendStepLog(s.db.WithContext(ctx), execution.ID, stepIndex, logAction, ""); err != nil {
		s.logger.Warnf("execution %d: append step log failed: %v", execution.ID, err)
	}
	if completed {
		if err := s.appendStepLog(s.db.WithContext(ctx), execution.ID, newStep, "completed", ""); err != nil {
			s.logger.Warnf("execution %d: append step log failed: %v", execution.ID, err)
		}
	}

	fresh, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	s.hub.Publish(EngineEventExecutionTransition, fresh)
	return fresh, nil
}

// runStepAction 执行当前步骤声明的动作（若有）
func (s *PlaybookService) runStepAction(ctx context.Context, execution *models.PlaybookExecution, stepIndex int) error {
	playbook, err := s.GetPlaybook(ctx, execution.PlaybookID)
	if err != nil {
		return err
	}
	steps, err := s.playbookSteps(playbook)
	if err != nil {
		return err
	}
	if stepIndex >= len(steps) || steps[stepIndex].Action == nil {
		return nil
	}

	// 幂等键由执行标识与步骤序号确定，重试不会重复副作用
	dr := s.dispatcher.Dispatch(ctx, []Action{*steps[stepIndex].Action}, DispatchContext{
		EventKey:   fmt.Sprintf("exec-%d-step-%d", execution.ID, stepIndex),
		EventType:  "playbook_step",
		CustomerID: execution.CustomerID,
	})
	if !dr.Success {
		msg := "step action failed"
		if len(dr.Actions) > 0 && dr.Actions[0].Error != "" {
			msg = dr.Actions[0].Error
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// failExecution 步骤副作用失败：转入终态 failed，步骤计数不动
func (s *PlaybookService) failExecution(ctx context.Context, execution *models.PlaybookExecution, stepIndex int, cause error) (*models.PlaybookExecution, error) {
	updates := map[string]interface{}{
		"status":   models.ExecutionFailed,
		"ended_at": time.Now().UTC(),
		"version":  gorm.Expr("version + 1"),
	}
	if err := s.applyTransition(ctx, execution, updates, models.ExecutionRunning); err != nil {
		return s.refreshAfterConflict(ctx, execution.ID, err)
	}
	if err := s.appendStepLog(s.db.WithContext(ctx), execution.ID, stepIndex, "failed", cause.Error()); err != nil {
		s.logger.Warnf("execution %d: append step log failed: %v", execution.ID, err)
	}
	s.logger.Warnf("execution %d failed at step %d: %v", execution.ID, stepIndex, cause)

	fresh, err := s.GetExecution(ctx, execution.ID)
	if err != nil {
		return nil, err
	}
	s.hub.Publish(EngineEventExecutionTransition, fresh)
	return fresh, nil
}

// Pause running → paused
func (s *PlaybookService) Pause(ctx context.Context, executionID uint) (*models.PlaybookExecution, error) {
	return s.simpleTransition(ctx, executionID, models.ExecutionPaused, "paused", models.ExecutionRunning)
}

// Resume paused → running
func (s *PlaybookService) Resume(ctx context.Context, executionID uint) (*models.PlaybookExecution, error) {
	return s.simpleTransition(ctx, executionID, models.ExecutionRunning, "resumed", models.ExecutionPaused)
}

// Cancel running/paused → cancelled，不可逆
func (s *PlaybookService) Cancel(ctx context.Context, executionID uint) (*models.PlaybookExecution, error) {
	return s.simpleTransition(ctx, executionID, models.ExecutionCancelled, "cancelled",
		models.ExecutionRunning, models.ExecutionPaused)
}

func (s *PlaybookService) simpleTransition(ctx context.Context, executionID uint, toStatus, logAction string, fromStatuses ...string) (*models.PlaybookExecution, error) {
	execution, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalExecutionStatus(execution.Status) {
		return execution, ErrExecutionTerminal
	}
	allowed := false
	for _, from := range fromStatuses {
		if execution.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return execution, ErrTransitionConflict
	}

	updates := map[string]interface{}{
		"status":  toStatus,
		"version": gorm.Expr("version + 1"),
	}
	if models.IsTerminalExecutionStatus(toStatus) {
		updates["ended_at"] = time.Now().UTC()
	}

	if err := s.applyTransition(ctx, execution, updates, fromStatuses...); err != nil {
		return s.refreshAfterConflict(ctx, executionID, err)
	}
	if err := s.appendStepLog(s.db.WithContext(ctx), execution.ID, execution.CurrentStep, logAction, ""); err != nil {
		s.logger.Warnf("execution %d: append step log failed: %v", execution.ID, err)
	}

	fresh, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	s.hub.Publish(EngineEventExecutionTransition, fresh)
	return fresh, nil
}

// applyTransition 以 (id, version, status) 为前置条件的单条 UPDATE，
// 零行生效意味着竞争失败或状态已变
func (s *PlaybookService) applyTransition(ctx context.Context, execution *models.PlaybookExecution, updates map[string]interface{}, fromStatuses ...string) error {
	res := s.db.WithContext(ctx).Model(&models.PlaybookExecution{}).
		Where("id = ? AND version = ? AND status IN ?", execution.ID, execution.Version, fromStatuses).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTransitionConflict
	}
	return nil
}

// refreshAfterConflict 竞争失败后重读状态，终态给出更准确的错误
func (s *PlaybookService) refreshAfterConflict(ctx context.Context, executionID uint, cause error) (*models.PlaybookExecution, error) {
	fresh, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, cause
	}
	if models.IsTerminalExecutionStatus(fresh.Status) {
		return fresh, ErrExecutionTerminal
	}
	return fresh, cause
}

// isUniqueViolation 识别活跃执行唯一索引的冲突
// （postgres "duplicate key" / sqlite "UNIQUE constraint failed"）
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

func (s *PlaybookService) appendStepLog(tx *gorm.DB, executionID uint, stepIndex int, action, note string) error {
	metrics.IncExecutionTransition(action)
	return tx.Create(&models.ExecutionStepLog{
		ExecutionID: executionID,
		StepIndex:   stepIndex,
		Action:      action,
		Note:        note,
		CreatedAt:   time.Now().UTC(),
	}).Error
}
