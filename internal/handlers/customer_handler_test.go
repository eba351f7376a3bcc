package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"flowdesk/internal/models"
)

func TestCustomerAPI_CRUD(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/customers", map[string]interface{}{
		"name": "张三", "email": "zhang@x.io", "company": "Acme",
	})
	wantStatus(t, w, http.StatusCreated)
	var created models.Customer
	decodeBody(t, w, &created)
	if created.HealthScore != 50 {
		t.Errorf("default health score = %d", created.HealthScore)
	}

	// 非法邮箱被绑定校验拦截
	w = f.do(t, http.MethodPost, "/api/customers", map[string]interface{}{
		"name": "bad", "email": "not-an-email",
	})
	wantStatus(t, w, http.StatusBadRequest)

	w = f.do(t, http.MethodPatch, fmt.Sprintf("/api/customers/%d", created.ID), map[string]interface{}{
		"health_score": 30, "tags": "churn-risk",
	})
	wantStatus(t, w, http.StatusOK)
	var updated models.Customer
	decodeBody(t, w, &updated)
	if updated.HealthScore != 30 || updated.Tags != "churn-risk" {
		t.Errorf("updated = %+v", updated)
	}

	w = f.do(t, http.MethodGet, "/api/customers", nil)
	wantStatus(t, w, http.StatusOK)
	var list []models.Customer
	decodeBody(t, w, &list)
	if len(list) != 1 {
		t.Errorf("list = %d, want 1", len(list))
	}

	w = f.do(t, http.MethodDelete, fmt.Sprintf("/api/customers/%d", created.ID), nil)
	wantStatus(t, w, http.StatusOK)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/customers/%d", created.ID), nil)
	wantStatus(t, w, http.StatusNotFound)
}
