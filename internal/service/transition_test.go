package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"payrecon/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTransitionValidPairsApplyOnce(t *testing.T) {
	for from, targets := range model.ValidStatusTransitions {
		for _, to := range targets {
			if to.IsRefundStatus() {
				continue
			}
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				h := newHarness(t, nil)
				p := h.prepare(150000)
				h.setStatus(p, from)
				ctx := context.Background()

				res, err := h.engine.ApplyTransition(ctx, p.OrderID, to, Evidence{Source: SourceWebhook})
				require.NoError(t, err)
				assert.True(t, res.Applied)
				assert.Equal(t, from, res.From)
				assert.Equal(t, to, res.To)

				again, err := h.engine.ApplyTransition(ctx, p.OrderID, to, Evidence{Source: SourceWebhook})
				require.NoError(t, err)
				assert.False(t, again.Applied)
				h.notifier.Wait()

				got := h.payment(p.OrderID)
				assert.Equal(t, to, got.Status)
				assert.Equal(t, 1, got.Version)
				assert.EqualValues(t, 1, h.countEvents(p.ID, model.AuditTransition))
				assert.EqualValues(t, 1, h.countEvents(p.ID, model.AuditTransitionReplay))
			})
		}
	}
}

func TestApplyTransitionRefundTargetsApplyOnce(t *testing.T) {
	for _, from := range []model.PaymentStatus{model.PaymentStatusPaid, model.PaymentStatusPartialRefunded} {
		t.Run(string(from), func(t *testing.T) {
			h := newHarness(t, nil)
			p := h.markPaid(h.prepare(150000), "pk_1")
			h.setStatus(p, from)
			ctx := context.Background()

			ev := Evidence{Source: SourceWebhook, Refund: &RefundEvidence{Amount: 50000, ProviderRefundID: "tx-1"}}
			res, err := h.engine.ApplyTransition(ctx, p.OrderID, model.PaymentStatusPartialRefunded, ev)
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.Equal(t, model.PaymentStatusPartialRefunded, res.To)

			again, err := h.engine.ApplyTransition(ctx, p.OrderID, model.PaymentStatusPartialRefunded, ev)
			require.NoError(t, err)
			assert.False(t, again.Applied)

			got := h.payment(p.OrderID)
			assert.EqualValues(t, 100000, got.BalanceAmount)
			assert.Len(t, h.refundRecords(p.ID), 1)

			full := Evidence{Source: SourceWebhook, Refund: &RefundEvidence{Amount: 100000, ProviderRefundID: "tx-2"}}
			res, err = h.engine.ApplyTransition(ctx, p.OrderID, model.PaymentStatusRefunded, full)
			require.NoError(t, err)
			assert.Equal(t, model.PaymentStatusRefunded, res.To)
			assert.EqualValues(t, 0, h.payment(p.OrderID).BalanceAmount)
		})
	}
}

func TestApplyTransitionRejectsPairsOutsideGraph(t *testing.T) {
	for _, from := range model.AllPaymentStatuses {
		for _, to := range model.AllPaymentStatuses {
			if from == to || model.CanTransitionTo(from, to) {
				continue
			}
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				h := newHarness(t, nil)
				p := h.prepare(150000)
				h.setStatus(p, from)

				_, err := h.engine.ApplyTransition(context.Background(), p.OrderID, to, Evidence{Source: SourceManualSync})
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)

				got := h.payment(p.OrderID)
				assert.Equal(t, from, got.Status)
				assert.Equal(t, 0, got.Version)
				assert.EqualValues(t, 1, h.countEvents(p.ID, model.AuditInvalidTransition))
			})
		}
	}
}

func TestRefundTargetWithoutEvidenceIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	p := h.markPaid(h.prepare(150000), "pk_1")

	_, err := h.engine.ApplyTransition(context.Background(), p.OrderID, model.PaymentStatusRefunded, Evidence{Source: SourceWebhook})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, model.PaymentStatusPaid, h.payment(p.OrderID).Status)
}

func TestApplyTransitionRejectsDifferentProviderKey(t *testing.T) {
	h := newHarness(t, nil)
	p := h.markPaid(h.prepare(150000), "pk_original")

	_, err := h.engine.ApplyTransition(context.Background(), p.OrderID, model.PaymentStatusPaid, Evidence{
		Source:                SourceWebhook,
		ProviderTransactionID: "pk_other",
	})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "pk_original", h.payment(p.OrderID).ProviderKey())
}

func TestApplyTransitionUnknownOrder(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.ApplyTransition(context.Background(), "ORD-missing", model.PaymentStatusPaid, Evidence{})
	require.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestPaidTransitionWritesSettlementAndOutbox(t *testing.T) {
	h := newHarness(t, nil)
	p := h.markPaid(h.prepare(150000), "pk_1")
	ctx := context.Background()

	require.NotNil(t, p.PaidAt)
	assert.Equal(t, "pk_1", p.ProviderKey())

	settlement, err := h.engine.settlements.GetByPaymentID(ctx, nil, p.ID)
	require.NoError(t, err)
	require.NotNil(t, settlement)
	assert.Equal(t, model.SettlementSourceAuto, settlement.Source)
	assert.EqualValues(t, 150000, settlement.Amount)

	n, err := h.engine.outbox.CountByEventType(ctx, p.OrderID, model.OutboxEventPaymentPaid)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, []string{testBookingRef}, h.booking.reservedRefs())
}

func TestConcurrentPaidTransitionsApplyExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	p := h.prepare(150000)
	ctx := context.Background()

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := h.engine.ApplyTransition(ctx, p.OrderID, model.PaymentStatusPaid, Evidence{
				Source:                SourceWebhook,
				ProviderTransactionID: "pk_race",
			})
			if err != nil {
				t.Errorf("apply transition: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	h.notifier.Wait()

	assert.Equal(t, 1, applied)
	got := h.payment(p.OrderID)
	assert.Equal(t, model.PaymentStatusPaid, got.Status)
	require.NotNil(t, got.PaidAt)
	assert.EqualValues(t, 1, h.countEvents(p.ID, model.AuditTransition))
	assert.EqualValues(t, callers-1, h.countEvents(p.ID, model.AuditTransitionReplay))
	assert.Len(t, h.booking.reservedRefs(), 1)
}

func TestRefundEvidenceKeepsBalanceWithinBounds(t *testing.T) {
	h := newHarness(t, nil)
	p := h.markPaid(h.prepare(150000), "pk_1")
	ctx := context.Background()

	apply := func(key string, amount int64) error {
		_, err := h.engine.ApplyTransition(ctx, p.OrderID, model.PaymentStatusPartialRefunded, Evidence{
			Source: SourceWebhook,
			Refund: &RefundEvidence{Amount: amount, ProviderRefundID: key},
		})
		return err
	}

	require.NoError(t, apply("a", 50000))
	require.NoError(t, apply("b", 50000))
	require.NoError(t, apply("a", 50000))
	assert.EqualValues(t, 50000, h.payment(p.OrderID).BalanceAmount)

	require.ErrorIs(t, apply("c", 60000), ErrOverRefund)
	assert.EqualValues(t, 50000, h.payment(p.OrderID).BalanceAmount)

	require.NoError(t, apply("d", 50000))
	got := h.payment(p.OrderID)
	assert.Equal(t, model.PaymentStatusRefunded, got.Status)
	assert.EqualValues(t, 0, got.BalanceAmount)

	records := h.refundRecords(p.ID)
	require.Len(t, records, 3)
	var total int64
	for _, r := range records {
		total += r.RefundAmount
		assert.Equal(t, model.RefundStatusCompleted, r.Status)
		assert.Equal(t, model.RefundCategoryProvider, r.RefundCategory)
	}
	assert.EqualValues(t, 150000, total)
	assert.Equal(t, model.RefundTypeFull, records[2].RefundType)

	require.ErrorIs(t, apply("e", 1), ErrInvalidTransition)
}

func TestRefundEvidenceAdoptsPendingLocalRecord(t *testing.T) {
	h := newHarness(t, nil)
	p := h.markPaid(h.prepare(150000), "pk_1")
	ctx := context.Background()

	pending := &model.RefundRecord{
		ID:              "rf-local",
		RefundNo:        "REF-local",
		PaymentID:       p.ID,
		RefundType:      model.RefundTypePartial,
		RefundCategory:  model.RefundCategoryAdmin,
		OriginalAmount:  150000,
		RefundAmount:    30000,
		RemainingAmount: 120000,
		Status:          model.RefundStatusPending,
	}
	require.NoError(t, h.engine.refunds.Create(ctx, nil, pending))

	res, err := h.engine.ApplyTransition(ctx, p.OrderID, model.PaymentStatusPartialRefunded, Evidence{
		Source: SourceWebhook,
		Refund: &RefundEvidence{Amount: 30000, ProviderRefundID: "tx-adopt"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Refund)
	assert.Equal(t, "rf-local", res.Refund.ID)
	assert.Equal(t, model.RefundStatusCompleted, res.Refund.Status)
	assert.Equal(t, "tx-adopt", *res.Refund.ProviderRefundID)
	assert.Len(t, h.refundRecords(p.ID), 1)
}
