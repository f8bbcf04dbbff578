package model

import (
	"time"
)

const (
	RefundTypeFull    = "full"
	RefundTypePartial = "partial"
)

const (
	RefundStatusPending   = "pending"
	RefundStatusCompleted = "completed"
	RefundStatusFailed    = "failed"
)

const (
	RefundCategoryAdmin    = "admin_request"
	RefundCategoryProvider = "provider_initiated"
)

// RefundRecord 退款记录，创建后只允许修改 status / processed_at 等处理结果字段
type RefundRecord struct {
	ID               string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	RefundNo         string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"refund_no"`
	PaymentID        string     `gorm:"type:varchar(36);index;not null" json:"payment_id"`
	RefundType       string     `gorm:"type:varchar(10);not null" json:"refund_type"`
	RefundCategory   string     `gorm:"type:varchar(32);not null" json:"refund_category"`
	Reason           string     `gorm:"type:varchar(256)" json:"reason"`
	OriginalAmount   int64      `gorm:"not null" json:"original_amount"`
	RefundAmount     int64      `gorm:"not null" json:"refund_amount"`
	RemainingAmount  int64      `gorm:"not null" json:"remaining_amount"`
	ProviderRefundID *string    `gorm:"type:varchar(200);uniqueIndex" json:"provider_refund_id,omitempty"`
	Status           string     `gorm:"type:varchar(20);index;not null" json:"status"`
	FailureReason    string     `gorm:"type:varchar(256)" json:"failure_reason,omitempty"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (RefundRecord) TableName() string {
	return "payment_refund"
}

// RefundTypeFor 退款金额等于原始金额时为全额退款
func RefundTypeFor(originalAmount, refundAmount int64) string {
	if refundAmount == originalAmount {
		return RefundTypeFull
	}
	return RefundTypePartial
}
