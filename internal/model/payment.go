package model

import (
	"time"
)

type PaymentStatus string

const (
	PaymentStatusPending         PaymentStatus = "pending"
	PaymentStatusProcessing      PaymentStatus = "processing"
	PaymentStatusPaid            PaymentStatus = "paid"
	PaymentStatusPartialRefunded PaymentStatus = "partial_refunded"
	PaymentStatusRefunded        PaymentStatus = "refunded"
	PaymentStatusFailed          PaymentStatus = "failed"
	PaymentStatusExpired         PaymentStatus = "expired"
	PaymentStatusAborted         PaymentStatus = "aborted"
)

// AllPaymentStatuses 按生命周期顺序列出全部状态
var AllPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusProcessing,
	PaymentStatusPaid,
	PaymentStatusPartialRefunded,
	PaymentStatusRefunded,
	PaymentStatusFailed,
	PaymentStatusExpired,
	PaymentStatusAborted,
}

// ValidStatusTransitions 状态机的全部有向边（不含自环重放）
// 没有任何边指向 pending
var ValidStatusTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {
		PaymentStatusProcessing,
		PaymentStatusPaid,
		PaymentStatusFailed,
		PaymentStatusExpired,
		PaymentStatusAborted,
	},
	PaymentStatusProcessing: {
		PaymentStatusPaid,
		PaymentStatusFailed,
		PaymentStatusExpired,
		PaymentStatusAborted,
	},
	PaymentStatusPaid:            {PaymentStatusPartialRefunded, PaymentStatusRefunded},
	PaymentStatusPartialRefunded: {PaymentStatusPartialRefunded, PaymentStatusRefunded},
}

func CanTransitionTo(currentStatus, targetStatus PaymentStatus) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func ParsePaymentStatus(value string) (PaymentStatus, bool) {
	for _, s := range AllPaymentStatuses {
		if string(s) == value {
			return s, true
		}
	}
	return "", false
}

// IsRefundStatus 退款类状态只能由退款证据驱动
func (s PaymentStatus) IsRefundStatus() bool {
	return s == PaymentStatusPartialRefunded || s == PaymentStatusRefunded
}

// IsSettled 已收款（含部分退款）
func (s PaymentStatus) IsSettled() bool {
	return s == PaymentStatusPaid || s == PaymentStatusPartialRefunded
}

// Payment 支付台账
//
// order_id 创建后不可变；provider_transaction_id 只写一次；
// 0 <= balance_amount <= amount；记录永不物理删除。
type Payment struct {
	ID                    string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrderID               string        `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_id"`
	ProviderTransactionID *string       `gorm:"type:varchar(200);uniqueIndex" json:"provider_transaction_id,omitempty"`
	Amount                int64         `gorm:"not null" json:"amount"`
	BalanceAmount         int64         `gorm:"not null" json:"balance_amount"`
	Status                PaymentStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	BuyerName             string        `gorm:"type:varchar(128)" json:"buyer_name"`
	BuyerContact          string        `gorm:"type:varchar(128)" json:"buyer_contact"`
	BookingRef            string        `gorm:"type:varchar(64);index;not null" json:"booking_ref"`
	Version               int           `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	PaidAt                *time.Time    `json:"paid_at,omitempty"`
	FailedAt              *time.Time    `json:"failed_at,omitempty"`
	RawProviderPayload    string        `gorm:"type:text" json:"-"`
	CreatedAt             time.Time     `gorm:"index" json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payment_ledger"
}

func (p *Payment) ProviderKey() string {
	if p.ProviderTransactionID == nil {
		return ""
	}
	return *p.ProviderTransactionID
}
