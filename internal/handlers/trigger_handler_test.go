package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"flowdesk/internal/models"
)

func TestTriggerAPI_CreateAndGet(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/triggers", map[string]interface{}{
		"name": "低分告警",
		"type": "health_changed",
		"conditions": []map[string]interface{}{
			{"field": "health_score", "op": "lt", "value": 40},
		},
		"actions": []map[string]interface{}{
			{"type": "send_notification", "params": map[string]interface{}{"message": "客户健康分过低"}},
		},
		"cooldown_minutes": 30,
	})
	wantStatus(t, w, http.StatusCreated)

	var created models.Trigger
	decodeBody(t, w, &created)
	if created.ID == 0 || created.Priority != "medium" || !created.Enabled {
		t.Errorf("created = %+v", created)
	}

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/triggers/%d", created.ID), nil)
	wantStatus(t, w, http.StatusOK)

	w = f.do(t, http.MethodGet, "/api/triggers/999", nil)
	wantStatus(t, w, http.StatusNotFound)

	w = f.do(t, http.MethodGet, "/api/triggers/abc", nil)
	wantStatus(t, w, http.StatusBadRequest)
}

func TestTriggerAPI_CreateValidation(t *testing.T) {
	f := newAPIFixture(t)

	// 缺必填字段
	w := f.do(t, http.MethodPost, "/api/triggers", map[string]interface{}{"name": "x"})
	wantStatus(t, w, http.StatusBadRequest)

	// 非法条件算子
	w = f.do(t, http.MethodPost, "/api/triggers", map[string]interface{}{
		"name": "x", "type": "t",
		"conditions": []map[string]interface{}{{"field": "a", "op": "matches", "value": 1}},
	})
	wantStatus(t, w, http.StatusBadRequest)
}

func TestTriggerAPI_UpdateAndDelete(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/triggers", map[string]interface{}{
		"name": "t", "type": "ping",
	})
	wantStatus(t, w, http.StatusCreated)
	var created models.Trigger
	decodeBody(t, w, &created)

	w = f.do(t, http.MethodPatch, fmt.Sprintf("/api/triggers/%d", created.ID), map[string]interface{}{
		"enabled": false, "priority": "high",
	})
	wantStatus(t, w, http.StatusOK)
	var updated models.Trigger
	decodeBody(t, w, &updated)
	if updated.Enabled || updated.Priority != "high" {
		t.Errorf("updated = %+v", updated)
	}

	w = f.do(t, http.MethodPatch, "/api/triggers/999", map[string]interface{}{"enabled": true})
	wantStatus(t, w, http.StatusNotFound)

	w = f.do(t, http.MethodDelete, fmt.Sprintf("/api/triggers/%d", created.ID), nil)
	wantStatus(t, w, http.StatusOK)

	w = f.do(t, http.MethodDelete, fmt.Sprintf("/api/triggers/%d", created.ID), nil)
	wantStatus(t, w, http.StatusNotFound)
}

func TestTriggerAPI_IngestEvent(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/triggers", map[string]interface{}{
		"name": "on signup", "type": "signup",
	})
	wantStatus(t, w, http.StatusCreated)

	w = f.do(t, http.MethodPost, "/api/triggers/events", map[string]interface{}{
		"type": "signup", "payload": map[string]interface{}{"plan": "pro"},
	})
	wantStatus(t, w, http.StatusOK)

	var resp struct {
		Outcomes []struct {
			TriggerID uint   `json:"trigger_id"`
			Status    string `json:"status"`
		} `json:"outcomes"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Outcomes) != 1 || resp.Outcomes[0].Status != "fired" {
		t.Errorf("outcomes = %+v", resp.Outcomes)
	}

	// type 缺失拒绝
	w = f.do(t, http.MethodPost, "/api/triggers/events", map[string]interface{}{
		"payload": map[string]interface{}{"x": 1},
	})
	wantStatus(t, w, http.StatusBadRequest)
}

func TestTriggerAPI_ListEventsPaginated(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/triggers", map[string]interface{}{
		"name": "t", "type": "ping",
	})
	wantStatus(t, w, http.StatusCreated)
	var created models.Trigger
	decodeBody(t, w, &created)

	for i := 0; i < 3; i++ {
		w = f.do(t, http.MethodPost, "/api/triggers/events", map[string]interface{}{"type": "ping"})
		wantStatus(t, w, http.StatusOK)
	}

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/triggers/%d/events?page=1&page_size=2", created.ID), nil)
	wantStatus(t, w, http.StatusOK)

	var resp PaginatedResponse
	decodeBody(t, w, &resp)
	if resp.Total != 3 || resp.Pages != 2 || resp.Page != 1 {
		t.Errorf("pagination = %+v", resp)
	}
}

func TestTriggerAPI_Stats(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/triggers", map[string]interface{}{
		"name": "t", "type": "ping",
	})
	wantStatus(t, w, http.StatusCreated)

	w = f.do(t, http.MethodGet, "/api/triggers/stats", nil)
	wantStatus(t, w, http.StatusOK)

	var stats struct {
		TotalTriggers   int64 `json:"total_triggers"`
		EnabledTriggers int64 `json:"enabled_triggers"`
	}
	decodeBody(t, w, &stats)
	if stats.TotalTriggers != 1 || stats.EnabledTriggers != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
