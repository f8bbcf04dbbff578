package service

import (
	"context"
	"sync"
	"time"

	"payrecon/internal/model"

	"github.com/rs/zerolog"
)

// BookingNotifier 支付成功后异步通知预约服务，尽力而为：
// 失败只写审计和日志，不回滚支付状态
type BookingNotifier struct {
	booking BookingCollaborator
	audit   *AuditRecorder
	log     zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewBookingNotifier(booking BookingCollaborator, audit *AuditRecorder, log zerolog.Logger) *BookingNotifier {
	return &BookingNotifier{
		booking: booking,
		audit:   audit,
		log:     log.With().Str("component", "BookingNotifier").Logger(),
		timeout: 5 * time.Second,
	}
}

func (n *BookingNotifier) NotifyReserved(ctx context.Context, payment *model.Payment) {
	if n == nil || n.booking == nil || payment.BookingRef == "" {
		return
	}
	paymentID, bookingRef := payment.ID, payment.BookingRef

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		if err := n.booking.MarkReserved(notifyCtx, bookingRef); err != nil {
			n.log.Warn().Err(err).
				Str("payment_id", paymentID).
				Str("booking_ref", bookingRef).
				Msg("mark booking reserved failed")
			n.audit.Record(notifyCtx, AuditEntry{
				PaymentID: paymentID,
				EventType: model.AuditBookingNotifyFailed,
				Data:      map[string]interface{}{"booking_ref": bookingRef},
				Err:       err,
			})
			return
		}
		n.log.Info().Str("payment_id", paymentID).Str("booking_ref", bookingRef).Msg("booking marked reserved")
	}()
}

// Wait 等待已派发的通知完成，用于优雅停机
func (n *BookingNotifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}
