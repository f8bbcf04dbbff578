package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"payrecon/internal/model"
	"payrecon/internal/repository"
	"payrecon/pkg/idgen"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type Buyer struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

type PrepareRequest struct {
	BookingRef string `json:"booking_ref" binding:"required"`
	Amount     int64  `json:"amount" binding:"required"`
	Buyer      Buyer  `json:"buyer"`
}

type PrepareResponse struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

// IntentService 创建支付意向单
type IntentService struct {
	db       *gorm.DB
	payments *repository.PaymentRepository
	booking  BookingCollaborator
	audit    *AuditRecorder
	log      zerolog.Logger
	now      func() time.Time
}

func NewIntentService(db *gorm.DB, booking BookingCollaborator, audit *AuditRecorder, log zerolog.Logger) *IntentService {
	return &IntentService{
		db:       db,
		payments: repository.NewPaymentRepository(db),
		booking:  booking,
		audit:    audit,
		log:      log.With().Str("component", "IntentManager").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *IntentService) Prepare(ctx context.Context, req *PrepareRequest, meta RequestMeta) (*PrepareResponse, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	bookingRef := strings.TrimSpace(req.BookingRef)
	if bookingRef == "" {
		return nil, fmt.Errorf("%w: empty booking reference", ErrBookingNotEligible)
	}

	eligible, err := s.booking.IsEligibleForPayment(ctx, bookingRef)
	if err != nil {
		return nil, fmt.Errorf("check booking %s: %w", bookingRef, err)
	}
	if !eligible {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotEligible, bookingRef)
	}

	now := s.now()
	payment := &model.Payment{
		ID:            uuid.NewString(),
		OrderID:       idgen.GenerateOrderID(),
		Amount:        req.Amount,
		BalanceAmount: req.Amount,
		Status:        model.PaymentStatusPending,
		BuyerName:     strings.TrimSpace(req.Buyer.Name),
		BuyerContact:  strings.TrimSpace(req.Buyer.Contact),
		BookingRef:    bookingRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payments.Create(ctx, tx, payment); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, AuditEntry{
			PaymentID: payment.ID,
			EventType: model.AuditPrepare,
			Data: map[string]interface{}{
				"order_id":    payment.OrderID,
				"booking_ref": bookingRef,
				"amount":      payment.Amount,
			},
			Meta: meta,
		})
	})
	if err != nil {
		return nil, s.classifyInsertError(ctx, payment.OrderID, err)
	}

	s.log.Info().
		Str("order_id", payment.OrderID).
		Str("payment_id", payment.ID).
		Str("booking_ref", bookingRef).
		Int64("amount", payment.Amount).
		Msg("payment intent prepared")

	return &PrepareResponse{OrderID: payment.OrderID, PaymentID: payment.ID, Amount: payment.Amount}, nil
}

// classifyInsertError 插入失败后若同号订单已存在则视为重复；
// 驱动错误格式不可靠，所以以回查结果为准
func (s *IntentService) classifyInsertError(ctx context.Context, orderID string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, orderID)
	}
	exists, lookupErr := s.payments.ExistsByOrderID(ctx, orderID)
	if lookupErr == nil && exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, orderID)
	}
	return fmt.Errorf("create payment intent: %w", err)
}
