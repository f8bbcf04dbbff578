package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// 预约表由预约服务维护，这里只读状态并在支付成功后确认预约
const (
	BookingStatusPendingPayment = "pending_payment"
	BookingStatusReserved       = "reserved"
)

type bookingRow struct {
	ID     string
	Status string
}

func (bookingRow) TableName() string {
	return "bookings"
}

type BookingRepository struct {
	db *gorm.DB
}

func NewBookingRepository(db *gorm.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

func (r *BookingRepository) IsEligibleForPayment(ctx context.Context, bookingRef string) (bool, error) {
	var row bookingRow
	err := r.db.WithContext(ctx).Select("id, status").Where("id = ?", bookingRef).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return row.Status == BookingStatusPendingPayment, nil
}

func (r *BookingRepository) MarkReserved(ctx context.Context, bookingRef string) error {
	result := r.db.WithContext(ctx).
		Model(&bookingRow{}).
		Where("id = ? AND status = ?", bookingRef, BookingStatusPendingPayment).
		Update("status", BookingStatusReserved)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var row bookingRow
	if err := r.db.WithContext(ctx).Select("id, status").Where("id = ?", bookingRef).First(&row).Error; err != nil {
		return fmt.Errorf("load booking %s: %w", bookingRef, err)
	}
	if row.Status == BookingStatusReserved {
		return nil
	}
	return fmt.Errorf("booking %s not reservable from status %s", bookingRef, row.Status)
}
