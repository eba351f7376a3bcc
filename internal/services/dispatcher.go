package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"flowdesk/internal/metrics"
	"flowdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ActionType 动作类别（封闭集合，未知类别判失败）
type ActionType string

const (
	ActionSendNotification ActionType = "send_notification"
	ActionCreateTask       ActionType = "create_task"
	ActionSendEmail        ActionType = "send_email"
	ActionStartPlaybook    ActionType = "start_playbook"
	ActionUpdateField      ActionType = "update_field"
	ActionWebhook          ActionType = "webhook"
)

// Action 触发器/自动化规则里声明的单个动作
type Action struct {
	Type     ActionType             `json:"type"`
	Params   map[string]interface{} `json:"params"`
	Critical bool                   `json:"critical"` // 失败时中止后续动作
}

// ActionResult 单个动作的执行结果，写入 TriggerEvent.result
type ActionResult struct {
	Index          int    `json:"index"`
	Type           string `json:"type"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	Attempts       int    `json:"attempts"`
	IdempotencyKey string `json:"idempotency_key"`
}

// DispatchContext 一次派发的共享上下文
type DispatchContext struct {
	EventKey     string // 幂等键前缀，通常为 trigger_event 的标识
	EventType    string
	TriggerID    uint
	AutomationID uint
	CustomerID   uint
	Payload      map[string]interface{}
}

// DispatchResult 整体派发结果
type DispatchResult struct {
	Success bool           `json:"success"` // 全部动作成功
	Aborted bool           `json:"aborted"` // critical 动作失败导致中止
	Actions []ActionResult `json:"actions"`
}

// 外部协作方接口。动作的具体副作用（发邮件、建任务等）在引擎之外实现，
// 引擎只保证每次 firing 恰好调用一次，并传入确定性幂等键。
type Notifier interface {
	SendNotification(ctx context.Context, idemKey, message string, params map[string]interface{}) error
}

type TaskCreator interface {
	CreateTask(ctx context.Context, idemKey, title string, params map[string]interface{}) error
}

type EmailSender interface {
	SendEmail(ctx context.Context, idemKey, to, subject, body string) error
}

type PlaybookStarter interface {
	StartPlaybook(ctx context.Context, idemKey string, playbookID, customerID uint) error
}

type WebhookPoster interface {
	PostWebhook(ctx context.Context, idemKey, url string, payload map[string]interface{}) error
}

// Collaborators 打包注入派发器的外部协作方，未设置的项退化为日志 no-op
type Collaborators struct {
	Notifier  Notifier
	Tasks     TaskCreator
	Email     EmailSender
	Playbooks PlaybookStarter
	Webhooks  WebhookPoster
}

// TransientError 标记可重试的失败（超时、5xx 等）
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient 将错误标记为瞬态
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransientError 判断失败是否属于可重试类别
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Dispatcher 按声明顺序执行动作列表并记录每个动作的成败
type Dispatcher struct {
	db         *gorm.DB
	logger     *logrus.Logger
	collab     Collaborators
	breaker    *CircuitBreaker
	timeout    time.Duration
	maxRetries int
}

const (
	defaultDispatchTimeout = 5 * time.Second
	defaultDispatchRetries = 2
	retryBackoffBase       = 100 * time.Millisecond
)

func NewDispatcher(db *gorm.DB, logger *logrus.Logger, collab Collaborators) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		db:         db,
		logger:     logger,
		collab:     collab,
		breaker:    NewCircuitBreaker(),
		timeout:    defaultDispatchTimeout,
		maxRetries: defaultDispatchRetries,
	}
}

// SetTimeout 配置单个协作方调用的超时
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// SetMaxRetries 配置瞬态失败的重试上限
func (d *Dispatcher) SetMaxRetries(n int) {
	if n >= 0 {
		d.maxRetries = n
	}
}

// SetBreaker 应用出站动作（邮件/webhook）的熔断配置。
// disabled 时出站调用不经过熔断。
func (d *Dispatcher) SetBreaker(enabled bool, config *CircuitBreakerConfig) {
	if !enabled {
		d.breaker = nil
		return
	}
	if config == nil || config.MaxFailures <= 0 {
		config = DefaultCircuitBreakerConfig()
	}
	d.breaker = NewCircuitBreakerWithConfig(config)
}

// Dispatch 严格按声明顺序执行。非 critical 失败不影响后续动作；
// critical 失败中止剩余动作并使整体结果为失败。
func (d *Dispatcher) Dispatch(ctx context.Context, actions []Action, dctx DispatchContext) DispatchResult {
	result := DispatchResult{Success: true}

	for i, action := range actions {
		// 幂等键确定性来自事件标识+动作序号，重试派发不会重复执行副作用
		key := fmt.Sprintf("%s:%d", dctx.EventKey, i)
		ar := ActionResult{Index: i, Type: string(action.Type), IdempotencyKey: key}

		err := d.executeWithRetry(ctx, action, dctx, key, &ar.Attempts)
		if err != nil {
			ar.Error = err.Error()
			result.Success = false
			result.Actions = append(result.Actions, ar)
			metrics.IncActionDispatch(false)
			d.logger.Warnf("dispatch: action %s[%d] failed: %v", action.Type, i, err)
			if action.Critical {
				result.Aborted = true
				break
			}
			continue
		}
		ar.Success = true
		result.Actions = append(result.Actions, ar)
		metrics.IncActionDispatch(true)
	}
	return result
}

func (d *Dispatcher) executeWithRetry(ctx context.Context, action Action, dctx DispatchContext, key string, attempts *int) error {
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			// 指数退避
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoffBase << (attempt - 1)):
			}
		}
		*attempts++
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		lastErr = d.execute(callCtx, action, dctx, key)
		cancel()
		if lastErr == nil {
			return nil
		}
		if !IsTransientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (d *Dispatcher) execute(ctx context.Context, action Action, dctx DispatchContext, key string) error {
	switch action.Type {
	case ActionSendNotification:
		msg, _ := action.Params["message"].(string)
		if msg == "" {
			msg = "automation notification"
		}
		if d.collab.Notifier == nil {
			d.logger.Infof("dispatch notify: %s", msg)
			return nil
		}
		return d.collab.Notifier.SendNotification(ctx, key, msg, action.Params)

	case ActionCreateTask:
		title, _ := action.Params["title"].(string)
		if title == "" {
			return fmt.Errorf("title param required")
		}
		if d.collab.Tasks == nil {
			d.logger.Infof("dispatch task: %s", title)
			return nil
		}
		return d.collab.Tasks.CreateTask(ctx, key, title, action.Params)

	case ActionSendEmail:
		to, _ := action.Params["to"].(string)
		subject, _ := action.Params["subject"].(string)
		body, _ := action.Params["body"].(string)
		if to == "" {
			return fmt.Errorf("to param required")
		}
		if d.collab.Email == nil {
			d.logger.Infof("dispatch email to %s: %s", to, subject)
			return nil
		}
		if d.breaker != nil && !d.breaker.Allow() {
			return MarkTransient(fmt.Errorf("email collaborator circuit open"))
		}
		err := d.collab.Email.SendEmail(ctx, key, to, subject, body)
		d.recordBreaker(err)
		return err

	case ActionStartPlaybook:
		playbookID := uintParam(action.Params, "playbook_id")
		if playbookID == 0 {
			return fmt.Errorf("playbook_id param required")
		}
		customerID := uintParam(action.Params, "customer_id")
		if customerID == 0 {
			customerID = dctx.CustomerID
		}
		if customerID == 0 {
			return fmt.Errorf("customer_id required to start playbook")
		}
		if d.collab.Playbooks == nil {
			return fmt.Errorf("playbook starter not configured")
		}
		return d.collab.Playbooks.StartPlaybook(ctx, key, playbookID, customerID)

	case ActionUpdateField:
		return d.updateCustomerField(ctx, action, dctx)

	case ActionWebhook:
		url, _ := action.Params["url"].(string)
		if url == "" || !strings.HasPrefix(url, "http") {
			return fmt.Errorf("valid url param required")
		}
		if d.collab.Webhooks == nil {
			d.logger.Infof("dispatch webhook: %s", url)
			return nil
		}
		if d.breaker != nil && !d.breaker.Allow() {
			return MarkTransient(fmt.Errorf("webhook collaborator circuit open"))
		}
		err := d.collab.Webhooks.PostWebhook(ctx, key, url, dctx.Payload)
		d.recordBreaker(err)
		return err

	default:
		// 未知动作类别 fail closed
		return fmt.Errorf("unsupported action type: %s", action.Type)
	}
}

// updateCustomerField 直接落库的动作：更新客户记录的白名单字段
func (d *Dispatcher) updateCustomerField(ctx context.Context, action Action, dctx DispatchContext) error {
	if d.db == nil {
		return fmt.Errorf("database not configured")
	}
	if dctx.CustomerID == 0 {
		return fmt.Errorf("customer_id required for update_field")
	}
	field, _ := action.Params["field"].(string)
	value, ok := action.Params["value"]
	if field == "" || !ok {
		return fmt.Errorf("field and value params required")
	}
	switch field {
	case "health_score", "tags", "company":
	default:
		return fmt.Errorf("field %q not updatable", field)
	}
	return d.db.WithContext(ctx).Model(&models.Customer{}).
		Where("id = ?", dctx.CustomerID).
		Update(field, value).Error
}

func (d *Dispatcher) recordBreaker(err error) {
	if d.breaker == nil {
		return
	}
	if err != nil && IsTransientError(err) {
		d.breaker.OnFailure()
		return
	}
	if err == nil {
		d.breaker.OnSuccess()
	}
}

func uintParam(params map[string]interface{}, key string) uint {
	switch v := params[key].(type) {
	case float64:
		if v > 0 {
			return uint(v)
		}
	case int:
		if v > 0 {
			return uint(v)
		}
	case uint:
		return v
	case string:
		var n uint
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}
