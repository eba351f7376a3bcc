package metrics

import (
	"sync"
	"sync/atomic"
)

// rateLimitStats holds counters for rate limit drops (HTTP 429).
// Kept simple/thread-safe for use from middlewares and exposition.
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}

// engineStats 引擎核心计数器：触发、限流门拦截、动作派发、剧本流转
type engineStats struct {
	triggersFired  uint64
	triggersGated  uint64
	automationRuns uint64
	actionsOK      uint64
	actionsFailed  uint64

	mu            sync.Mutex
	transitionsBy map[string]uint64 // advance/skip/pause/resume/cancel/complete/fail
}

var eng engineStats

// IncTriggerFired 触发器成功触发一次
func IncTriggerFired() { atomic.AddUint64(&eng.triggersFired, 1) }

// IncTriggerGated 触发被冷却或每日上限拦截一次
func IncTriggerGated() { atomic.AddUint64(&eng.triggersGated, 1) }

// IncAutomationRun 自动化完成一次运行（无论动作成败）
func IncAutomationRun() { atomic.AddUint64(&eng.automationRuns, 1) }

// IncActionDispatch 记录一次动作派发结果
func IncActionDispatch(success bool) {
	if success {
		atomic.AddUint64(&eng.actionsOK, 1)
	} else {
		atomic.AddUint64(&eng.actionsFailed, 1)
	}
}

// IncExecutionTransition 记录一次剧本执行状态流转
func IncExecutionTransition(action string) {
	if action == "" {
		return
	}
	eng.mu.Lock()
	if eng.transitionsBy == nil {
		eng.transitionsBy = make(map[string]uint64)
	}
	eng.transitionsBy[action]++
	eng.mu.Unlock()
}

// EngineSnapshot 引擎计数器快照
type EngineSnapshot struct {
	TriggersFired  uint64            `json:"triggers_fired"`
	TriggersGated  uint64            `json:"triggers_gated"`
	AutomationRuns uint64            `json:"automation_runs"`
	ActionsOK      uint64            `json:"actions_ok"`
	ActionsFailed  uint64            `json:"actions_failed"`
	Transitions    map[string]uint64 `json:"transitions"`
}

// SnapshotEngine returns a copy of the engine counters.
func SnapshotEngine() EngineSnapshot {
	snap := EngineSnapshot{
		TriggersFired:  atomic.LoadUint64(&eng.triggersFired),
		TriggersGated:  atomic.LoadUint64(&eng.triggersGated),
		AutomationRuns: atomic.LoadUint64(&eng.automationRuns),
		ActionsOK:      atomic.LoadUint64(&eng.actionsOK),
		ActionsFailed:  atomic.LoadUint64(&eng.actionsFailed),
		Transitions:    make(map[string]uint64),
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	for k, v := range eng.transitionsBy {
		snap.Transitions[k] = v
	}
	return snap
}
