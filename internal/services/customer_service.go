package services

import (
	"context"
	"fmt"

	"flowdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CustomerService 客户档案管理。引擎的事件与 update_field 动作都
// 围绕客户记录展开，这里提供最小的档案维护能力。
type CustomerService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewCustomerService 创建客户服务
func NewCustomerService(db *gorm.DB, logger *logrus.Logger) *CustomerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &CustomerService{
		db:     db,
		logger: logger,
	}
}

// CustomerCreateRequest 创建客户请求
type CustomerCreateRequest struct {
	Name        string `json:"name" binding:"required"`
	Email       string `json:"email" binding:"required,email"`
	Company     string `json:"company"`
	HealthScore *int   `json:"health_score"`
	Tags        string `json:"tags"`
}

// CustomerUpdateRequest 更新客户请求
type CustomerUpdateRequest struct {
	Name        *string `json:"name"`
	Company     *string `json:"company"`
	HealthScore *int    `json:"health_score"`
	Tags        *string `json:"tags"`
}

// CreateCustomer 创建客户
func (s *CustomerService) CreateCustomer(ctx context.Context, req *CustomerCreateRequest) (*models.Customer, error) {
	var existing models.Customer
	if err := s.db.WithContext(ctx).Where("email = ?", req.Email).First(&existing).Error; err == nil {
		return nil, fmt.Errorf("email already exists")
	}

	customer := &models.Customer{
		Name:        req.Name,
		Email:       req.Email,
		Company:     req.Company,
		HealthScore: 50,
		Tags:        req.Tags,
	}
	if req.HealthScore != nil {
		if *req.HealthScore < 0 || *req.HealthScore > 100 {
			return nil, fmt.Errorf("health_score must be between 0 and 100")
		}
		customer.HealthScore = *req.HealthScore
	}

	if err := s.db.WithContext(ctx).Create(customer).Error; err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}

	s.logger.Infof("Created customer %d (%s)", customer.ID, customer.Email)
	return customer, nil
}

// GetCustomer 根据 ID 获取客户
func (s *CustomerService) GetCustomer(ctx context.Context, id uint) (*models.Customer, error) {
	var customer models.Customer
	if err := s.db.WithContext(ctx).First(&customer, id).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// ListCustomers 客户列表（按创建时间倒序）
func (s *CustomerService) ListCustomers(ctx context.Context) ([]models.Customer, error) {
	var customers []models.Customer
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&customers).Error; err != nil {
		return nil, err
	}
	return customers, nil
}

// UpdateCustomer 更新客户信息
func (s *CustomerService) UpdateCustomer(ctx context.Context, id uint, req *CustomerUpdateRequest) (*models.Customer, error) {
	updates := make(map[string]interface{})
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Company != nil {
		updates["company"] = *req.Company
	}
	if req.HealthScore != nil {
		if *req.HealthScore < 0 || *req.HealthScore > 100 {
			return nil, fmt.Errorf("health_score must be between 0 and 100")
		}
		updates["health_score"] = *req.HealthScore
	}
	if req.Tags != nil {
		updates["tags"] = *req.Tags
	}

	if len(updates) > 0 {
		res := s.db.WithContext(ctx).Model(&models.Customer{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update customer: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, gorm.ErrRecordNotFound
		}
	}

	return s.GetCustomer(ctx, id)
}

// DeleteCustomer 软删除客户
func (s *CustomerService) DeleteCustomer(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Customer{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	s.logger.Infof("Deleted customer %d", id)
	return nil
}
