package services

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"
)

func newCustomerFixture(t *testing.T) *CustomerService {
	t.Helper()
	return NewCustomerService(newEngineTestDB(t, "customer"), quietLogger())
}

func TestCreateCustomer(t *testing.T) {
	svc := newCustomerFixture(t)
	ctx := context.Background()

	customer, err := svc.CreateCustomer(ctx, &CustomerCreateRequest{
		Name: "张三", Email: "zhang@x.io",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if customer.HealthScore != 50 {
		t.Errorf("default health score = %d, want 50", customer.HealthScore)
	}

	// 邮箱唯一
	if _, err := svc.CreateCustomer(ctx, &CustomerCreateRequest{
		Name: "李四", Email: "zhang@x.io",
	}); err == nil {
		t.Error("duplicate email should be rejected")
	}

	// 健康分范围
	bad := 120
	if _, err := svc.CreateCustomer(ctx, &CustomerCreateRequest{
		Name: "王五", Email: "wang@x.io", HealthScore: &bad,
	}); err == nil {
		t.Error("health score out of range should be rejected")
	}
}

func TestUpdateCustomer(t *testing.T) {
	svc := newCustomerFixture(t)
	ctx := context.Background()

	customer, err := svc.CreateCustomer(ctx, &CustomerCreateRequest{Name: "c", Email: "c@x.io"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	score := 20
	tags := "churn-risk"
	updated, err := svc.UpdateCustomer(ctx, customer.ID, &CustomerUpdateRequest{
		HealthScore: &score, Tags: &tags,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.HealthScore != 20 || updated.Tags != "churn-risk" {
		t.Errorf("updated = %+v", updated)
	}
	if updated.Name != "c" {
		t.Error("unset fields must be left alone")
	}

	if _, err := svc.UpdateCustomer(ctx, 9999, &CustomerUpdateRequest{Tags: &tags}); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("missing customer = %v, want record not found", err)
	}
}

func TestDeleteCustomer_SoftDelete(t *testing.T) {
	svc := newCustomerFixture(t)
	ctx := context.Background()

	customer, err := svc.CreateCustomer(ctx, &CustomerCreateRequest{Name: "c", Email: "c@x.io"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.DeleteCustomer(ctx, customer.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetCustomer(ctx, customer.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("deleted customer should be invisible, got %v", err)
	}
	if err := svc.DeleteCustomer(ctx, customer.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("double delete = %v, want record not found", err)
	}
}
