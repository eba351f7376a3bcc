package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"flowdesk/internal/models"

	"gorm.io/gorm"
)

func newSchedulerFixture(t *testing.T) (*Scheduler, *AutomationService, *gorm.DB) {
	t.Helper()
	db := newEngineTestDB(t, "scheduler")
	dispatcher := NewDispatcher(db, quietLogger(), Collaborators{})
	dispatcher.SetMaxRetries(0)
	automations := NewAutomationService(db, quietLogger(), dispatcher)
	triggers := NewTriggerService(db, quietLogger(), dispatcher)
	sched := NewScheduler(db, quietLogger(), automations, triggers, time.Hour, 2)
	return sched, automations, db
}

func createDueAutomation(t *testing.T, db *gorm.DB, name string) *models.Automation {
	t.Helper()
	due := time.Now().UTC().Add(-time.Minute)
	a := &models.Automation{
		Name: name, TriggerType: AutomationTriggerScheduled, Enabled: true,
		Schedule: "*/5 * * * *", NextRunAt: &due,
		Actions: `[{"type":"send_notification"}]`, Version: 1,
	}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("create automation: %v", err)
	}
	return a
}

func TestSweep_ClaimsDueAutomation(t *testing.T) {
	sched, _, db := newSchedulerFixture(t)
	a := createDueAutomation(t, db, "due")

	if err := sched.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var stored models.Automation
	if err := db.First(&stored, a.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.NextRunAt == nil || !stored.NextRunAt.After(time.Now().UTC()) {
		t.Errorf("next_run_at = %v, should be advanced into the future", stored.NextRunAt)
	}
	if stored.Version != a.Version+1 {
		t.Errorf("version = %d, want %d", stored.Version, a.Version+1)
	}

	// 认领后入队
	select {
	case id := <-sched.jobs:
		if id != a.ID {
			t.Errorf("queued id = %d, want %d", id, a.ID)
		}
	default:
		t.Error("claimed automation should be queued for a worker")
	}
}

func TestSweep_NotDueNotClaimed(t *testing.T) {
	sched, _, db := newSchedulerFixture(t)
	future := time.Now().UTC().Add(time.Hour)
	a := &models.Automation{
		Name: "later", TriggerType: AutomationTriggerScheduled, Enabled: true,
		Schedule: "0 * * * *", NextRunAt: &future,
	}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := sched.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	select {
	case id := <-sched.jobs:
		t.Errorf("nothing should be queued, got %d", id)
	default:
	}
}

func TestSweep_InvalidScheduleDisables(t *testing.T) {
	sched, _, db := newSchedulerFixture(t)
	due := time.Now().UTC().Add(-time.Minute)
	a := &models.Automation{
		Name: "broken", TriggerType: AutomationTriggerScheduled, Enabled: true,
		Schedule: "not a cron", NextRunAt: &due,
	}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := sched.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var stored models.Automation
	if err := db.First(&stored, a.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Enabled {
		t.Error("automation with unparseable schedule should be disabled")
	}
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	sched, _, db := newSchedulerFixture(t)
	a := createDueAutomation(t, db, "contended")
	now := time.Now().UTC()

	const racers = 5
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copyA := *a
			if sched.claim(context.Background(), &copyA, now) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Errorf("claims won = %d, want exactly 1", won)
	}
}

func TestSweep_FeedsTickTriggers(t *testing.T) {
	sched, _, db := newSchedulerFixture(t)

	trigger := &models.Trigger{Name: "heartbeat", Type: "tick", Enabled: true}
	if err := db.Create(trigger).Error; err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	if err := sched.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var stored models.Trigger
	if err := db.First(&stored, trigger.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.FireCount != 1 {
		t.Errorf("tick trigger fire count = %d, want 1", stored.FireCount)
	}
}

func TestScheduler_EndToEndRun(t *testing.T) {
	sched, _, db := newSchedulerFixture(t)
	a := createDueAutomation(t, db, "e2e")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 2; i++ {
		go sched.worker(ctx)
	}

	if err := sched.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// 等 worker 消化队列
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var stored models.Automation
		if err := db.First(&stored, a.ID).Error; err != nil {
			t.Fatalf("reload: %v", err)
		}
		if stored.RunCount == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("worker did not run the claimed automation in time")
}
