package repository

import (
	"context"
	"errors"
	"time"

	"payrecon/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrVersionConflict = errors.New("payment version conflict")
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	return r.conn(tx).WithContext(ctx).Create(payment).Error
}

func (r *PaymentRepository) GetByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.conn(tx).WithContext(ctx).Where("order_id = ?", orderID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.Payment, error) {
	var payment model.Payment
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (r *PaymentRepository) ExistsByOrderID(ctx context.Context, orderID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Payment{}).Where("order_id = ?", orderID).Count(&count).Error
	return count > 0, err
}

// CompareAndSwap 以版本号为条件更新一行，版本不匹配时返回 ErrVersionConflict
func (r *PaymentRepository) CompareAndSwap(ctx context.Context, tx *gorm.DB, id string, version int, updates map[string]interface{}) error {
	updates["version"] = gorm.Expr("version + 1")

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Payment{}).
		Where("id = ? AND version = ?", id, version).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListStale 查询创建时间早于 before 仍处于指定状态的支付
func (r *PaymentRepository) ListStale(ctx context.Context, status model.PaymentStatus, before time.Time, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", status, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// ListIdle 查询最近一次更新早于 before 仍处于指定状态的支付
func (r *PaymentRepository) ListIdle(ctx context.Context, status model.PaymentStatus, before time.Time, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}
