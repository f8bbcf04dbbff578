package repository

import (
	"context"
	"errors"
	"time"

	"payrecon/internal/model"

	"gorm.io/gorm"
)

var ErrRefundNotFound = errors.New("refund record not found")

type RefundRepository struct {
	db *gorm.DB
}

func NewRefundRepository(db *gorm.DB) *RefundRepository {
	return &RefundRepository{db: db}
}

func (r *RefundRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *RefundRepository) Create(ctx context.Context, tx *gorm.DB, record *model.RefundRecord) error {
	return r.conn(tx).WithContext(ctx).Create(record).Error
}

func (r *RefundRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.RefundRecord, error) {
	var record model.RefundRecord
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return &record, nil
}

// GetByProviderRefundID 按渠道退款流水号查找，不存在时返回 nil, nil
func (r *RefundRepository) GetByProviderRefundID(ctx context.Context, tx *gorm.DB, providerRefundID string) (*model.RefundRecord, error) {
	var record model.RefundRecord
	err := r.conn(tx).WithContext(ctx).Where("provider_refund_id = ?", providerRefundID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// FindPendingByAmount 查找同金额、尚未完成的本地退款申请
func (r *RefundRepository) FindPendingByAmount(ctx context.Context, tx *gorm.DB, paymentID string, amount int64) (*model.RefundRecord, error) {
	var record model.RefundRecord
	err := r.conn(tx).WithContext(ctx).
		Where("payment_id = ? AND refund_amount = ? AND status = ?", paymentID, amount, model.RefundStatusPending).
		Order("created_at ASC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// MarkCompleted 完成待处理记录；original 为退款前余额，期间若有其他取消先落账，
// original_amount 和 refund_type 按实际余额重新计算
func (r *RefundRepository) MarkCompleted(ctx context.Context, tx *gorm.DB, id string, providerRefundID string, original, remaining int64, at time.Time) error {
	updates := map[string]interface{}{
		"status":           model.RefundStatusCompleted,
		"original_amount":  original,
		"remaining_amount": remaining,
		"refund_type":      model.RefundTypeFor(original, original-remaining),
		"processed_at":     at,
	}
	if providerRefundID != "" {
		updates["provider_refund_id"] = providerRefundID
	}
	return r.conn(tx).WithContext(ctx).
		Model(&model.RefundRecord{}).
		Where("id = ? AND status = ?", id, model.RefundStatusPending).
		Updates(updates).Error
}

func (r *RefundRepository) MarkFailed(ctx context.Context, tx *gorm.DB, id string, reason string, at time.Time) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.RefundRecord{}).
		Where("id = ? AND status = ?", id, model.RefundStatusPending).
		Updates(map[string]interface{}{
			"status":         model.RefundStatusFailed,
			"failure_reason": reason,
			"processed_at":   at,
		}).Error
}

func (r *RefundRepository) ListByPayment(ctx context.Context, paymentID string) ([]*model.RefundRecord, error) {
	var records []*model.RefundRecord
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}
