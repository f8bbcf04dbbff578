package repository

import (
	"context"
	"errors"

	"payrecon/internal/model"

	"gorm.io/gorm"
)

type SettlementRepository struct {
	db *gorm.DB
}

func NewSettlementRepository(db *gorm.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

func (r *SettlementRepository) Create(ctx context.Context, tx *gorm.DB, settlement *model.Settlement) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(settlement).Error
}

// GetByPaymentID 不存在时返回 nil, nil
func (r *SettlementRepository) GetByPaymentID(ctx context.Context, tx *gorm.DB, paymentID string) (*model.Settlement, error) {
	if tx == nil {
		tx = r.db
	}
	var settlement model.Settlement
	err := tx.WithContext(ctx).Where("payment_id = ?", paymentID).First(&settlement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &settlement, nil
}
