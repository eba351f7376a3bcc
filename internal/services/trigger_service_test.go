package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"flowdesk/internal/models"

	"gorm.io/gorm"
)

func newTriggerFixture(t *testing.T) (*TriggerService, *gorm.DB) {
	t.Helper()
	db := newEngineTestDB(t, "trigger")
	dispatcher := NewDispatcher(db, quietLogger(), Collaborators{})
	dispatcher.SetMaxRetries(0)
	return NewTriggerService(db, quietLogger(), dispatcher), db
}

func TestCreateTrigger_Validation(t *testing.T) {
	svc, _ := newTriggerFixture(t)
	ctx := context.Background()

	if _, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{
		Name: "t", Type: "signup", CooldownMinutes: -1,
	}); err == nil {
		t.Error("negative cooldown should be rejected")
	}

	if _, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{
		Name: "t", Type: "signup", Priority: "urgent",
	}); err == nil {
		t.Error("unknown priority should be rejected")
	}

	if _, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{
		Name: "t", Type: "signup",
		Conditions: []Condition{{Field: "", Op: OpEq, Value: 1}},
	}); err == nil {
		t.Error("condition without field should be rejected")
	}

	if _, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{
		Name: "t", Type: "signup",
		Actions: []Action{{Type: "rm_rf"}},
	}); err == nil {
		t.Error("unknown action type should be rejected")
	}

	trigger, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{Name: "t", Type: "signup"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !trigger.Enabled || trigger.Priority != "medium" {
		t.Errorf("defaults: enabled=%v priority=%s", trigger.Enabled, trigger.Priority)
	}
}

func TestUpdateTrigger_PatchSemantics(t *testing.T) {
	svc, _ := newTriggerFixture(t)
	ctx := context.Background()

	trigger, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{Name: "t", Type: "signup"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	enabled := false
	cooldown := 15
	updated, err := svc.UpdateTrigger(ctx, trigger.ID, &TriggerUpdateRequest{
		Enabled: &enabled, CooldownMinutes: &cooldown,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Enabled || updated.CooldownMinutes != 15 {
		t.Errorf("updated = %+v", updated)
	}
	if updated.Name != "t" {
		t.Error("unset fields must be left alone")
	}
	if updated.Version != trigger.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, trigger.Version+1)
	}

	bad := "urgent"
	if _, err := svc.UpdateTrigger(ctx, trigger.ID, &TriggerUpdateRequest{Priority: &bad}); err == nil {
		t.Error("invalid priority should be rejected on update")
	}

	if _, err := svc.UpdateTrigger(ctx, 9999, &TriggerUpdateRequest{Enabled: &enabled}); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("missing trigger should be not found, got %v", err)
	}
}

func TestDeleteTrigger_NotFound(t *testing.T) {
	svc, _ := newTriggerFixture(t)
	if err := svc.DeleteTrigger(context.Background(), 424242); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("got %v, want record not found", err)
	}
}

func TestProcessEvent_SkippedWritesAudit(t *testing.T) {
	svc, db := newTriggerFixture(t)
	ctx := context.Background()

	trigger, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{
		Name: "low health", Type: "health_changed",
		Conditions: []Condition{{Field: "health_score", Op: OpLt, Value: 40}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	outcomes, err := svc.ProcessEvent(ctx, Event{
		Type: "health_changed", Payload: map[string]interface{}{"health_score": 90},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeSkipped {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	var events []models.TriggerEvent
	if err := db.Where("trigger_id = ?", trigger.ID).Find(&events).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 1 || events[0].Status != OutcomeSkipped {
		t.Fatalf("events = %+v", events)
	}
	var res EventResult
	if err := json.Unmarshal([]byte(events[0].Result), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Matched {
		t.Error("skipped event result should record matched=false")
	}
}

func TestProcessEvent_FiredUpdatesCountersAndAudit(t *testing.T) {
	svc, db := newTriggerFixture(t)
	ctx := context.Background()

	trigger, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{
		Name: "low health", Type: "health_changed",
		Conditions: []Condition{{Field: "health_score", Op: OpLt, Value: 40}},
		Actions:    []Action{{Type: ActionSendNotification, Params: map[string]interface{}{"message": "alert"}}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	outcomes, err := svc.ProcessEvent(ctx, Event{
		Type: "health_changed", Payload: map[string]interface{}{"health_score": 25},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeFired {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if outcomes[0].EventID == 0 {
		t.Error("fired outcome should carry the audit event id")
	}

	var stored models.Trigger
	if err := db.First(&stored, trigger.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.FireCount != 1 || stored.FiresToday != 1 || stored.LastFiredAt == nil {
		t.Errorf("fire bookkeeping = %+v", stored)
	}

	var event models.TriggerEvent
	if err := db.Where("trigger_id = ?", trigger.ID).First(&event).Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	var res EventResult
	if err := json.Unmarshal([]byte(event.Result), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Matched || !res.Success || len(res.Actions) != 1 {
		t.Errorf("result = %+v", res)
	}
	// 幂等键确定性来自触发器标识与准入时的版本号
	wantKey := fmt.Sprintf("trig-%d-v1:0", trigger.ID)
	if res.Actions[0].IdempotencyKey != wantKey {
		t.Errorf("idempotency key = %s, want %s", res.Actions[0].IdempotencyKey, wantKey)
	}
}

func TestProcessEvent_CooldownGates(t *testing.T) {
	svc, _ := newTriggerFixture(t)
	ctx := context.Background()

	if _, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{
		Name: "noisy", Type: "ping", CooldownMinutes: 60,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := svc.ProcessEvent(ctx, Event{Type: "ping"})
	if err != nil || first[0].Status != OutcomeFired {
		t.Fatalf("first = %+v err=%v", first, err)
	}
	second, err := svc.ProcessEvent(ctx, Event{Type: "ping"})
	if err != nil || second[0].Status != OutcomeGated {
		t.Fatalf("second = %+v err=%v, want gated", second, err)
	}
}

func TestProcessEvent_DailyCap(t *testing.T) {
	svc, _ := newTriggerFixture(t)
	ctx := context.Background()

	if _, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{
		Name: "capped", Type: "ping", MaxFiresPerDay: 2,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	want := []string{OutcomeFired, OutcomeFired, OutcomeGated, OutcomeGated}
	for i, w := range want {
		outcomes, err := svc.ProcessEvent(ctx, Event{Type: "ping"})
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		if outcomes[0].Status != w {
			t.Errorf("event %d status = %s, want %s", i, outcomes[0].Status, w)
		}
	}
}

func TestProcessEvent_DisabledTriggerIgnored(t *testing.T) {
	svc, _ := newTriggerFixture(t)
	ctx := context.Background()

	off := false
	if _, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{
		Name: "off", Type: "ping", Enabled: &off,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	outcomes, err := svc.ProcessEvent(ctx, Event{Type: "ping"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("disabled trigger must not be evaluated: %+v", outcomes)
	}
}

func TestProcessEvent_PartiallyFailed(t *testing.T) {
	db := newEngineTestDB(t, "trigger")
	fc := &fakeCollab{fail: map[string]error{"task": errors.New("boom")}}
	dispatcher := NewDispatcher(db, quietLogger(), Collaborators{Tasks: fc})
	dispatcher.SetMaxRetries(0)
	svc := NewTriggerService(db, quietLogger(), dispatcher)
	ctx := context.Background()

	if _, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{
		Name: "mixed", Type: "ping",
		Actions: []Action{
			{Type: ActionCreateTask, Params: map[string]interface{}{"title": "x"}},
			{Type: ActionSendNotification},
		},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	outcomes, err := svc.ProcessEvent(ctx, Event{Type: "ping"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcomes[0].Status != OutcomePartiallyFailed {
		t.Errorf("status = %s, want %s", outcomes[0].Status, OutcomePartiallyFailed)
	}

	// 部分失败也计入 fire，冷却照常生效
	var stored models.Trigger
	if err := db.Where("name = ?", "mixed").First(&stored).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.FireCount != 1 {
		t.Errorf("fire count = %d, want 1", stored.FireCount)
	}
}

func TestProcessEvent_ConcurrentSingleFire(t *testing.T) {
	svc, db := newTriggerFixture(t)
	ctx := context.Background()

	trigger, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{
		Name: "once", Type: "ping", MaxFiresPerDay: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 6
	var wg sync.WaitGroup
	statuses := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes, err := svc.ProcessEvent(ctx, Event{Type: "ping"})
			if err != nil || len(outcomes) != 1 {
				return
			}
			statuses <- outcomes[0].Status
		}()
	}
	wg.Wait()
	close(statuses)

	fired := 0
	for st := range statuses {
		if st == OutcomeFired {
			fired++
		}
	}
	if fired != 1 {
		t.Errorf("fired = %d, want exactly 1", fired)
	}

	var stored models.Trigger
	if err := db.First(&stored, trigger.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.FireCount != 1 {
		t.Errorf("fire count = %d, want 1", stored.FireCount)
	}
}

func TestListTriggerEvents_Pagination(t *testing.T) {
	svc, _ := newTriggerFixture(t)
	ctx := context.Background()

	trigger, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{Name: "t", Type: "ping"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := svc.ProcessEvent(ctx, Event{Type: "ping"}); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}

	events, total, err := svc.ListTriggerEvents(ctx, trigger.ID, 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(events) != 2 {
		t.Fatalf("total=%d len=%d, want 5/2", total, len(events))
	}
	// 新的在前
	if events[0].ID < events[1].ID {
		t.Error("events should be newest first")
	}

	last, _, err := svc.ListTriggerEvents(ctx, trigger.ID, 3, 2)
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(last) != 1 {
		t.Errorf("page 3 len = %d, want 1", len(last))
	}
}

func TestGetTriggerStats(t *testing.T) {
	svc, _ := newTriggerFixture(t)
	ctx := context.Background()

	if _, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{Name: "a", Type: "ping"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	off := false
	if _, err := svc.CreateTrigger(ctx, &TriggerCreateRequest{Name: "b", Type: "ping", Enabled: &off}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.ProcessEvent(ctx, Event{Type: "ping"}); err != nil {
		t.Fatalf("process: %v", err)
	}

	stats, err := svc.GetTriggerStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalTriggers != 2 || stats.EnabledTriggers != 1 {
		t.Errorf("triggers = %d/%d, want 2/1", stats.TotalTriggers, stats.EnabledTriggers)
	}
	if stats.TotalFires != 1 || stats.FiresToday != 1 {
		t.Errorf("fires = %d/%d, want 1/1", stats.TotalFires, stats.FiresToday)
	}
	if stats.EventsByStatus[OutcomeFired] != 1 {
		t.Errorf("events by status = %v", stats.EventsByStatus)
	}
}
