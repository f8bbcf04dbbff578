package model

import (
	"time"
)

const (
	SettlementSourceAuto   = "auto"
	SettlementSourceManual = "manual"
)

// Settlement 下游结算记录：支付成功时自动生成，自动流程失败时由运维手工补录
type Settlement struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SettlementNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"settlement_no"`
	PaymentID    string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"payment_id"`
	OrderID      string    `gorm:"type:varchar(64);index;not null" json:"order_id"`
	Amount       int64     `gorm:"not null" json:"amount"`
	Source       string    `gorm:"type:varchar(10);not null" json:"source"`
	CreatedBy    string    `gorm:"type:varchar(64)" json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Settlement) TableName() string {
	return "payment_settlement"
}
