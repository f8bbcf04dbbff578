package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"payrecon/internal/auth"
	"payrecon/internal/config"
	"payrecon/internal/infrastructure/database"
	"payrecon/internal/infrastructure/provider"
	"payrecon/internal/model"
	"payrecon/internal/repository"
	"payrecon/pkg/signature"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testSecret     = "whsec_test"
	testBookingRef = "BK-1001"
)

var (
	adminActor = auth.Actor{ID: "ops-1", Role: "admin"}
	guestActor = auth.Actor{ID: "guest-1", Role: "viewer"}
	testMeta   = RequestMeta{SourceIP: "203.0.113.7", UserAgent: "provider-webhook/1.0"}
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

type fakeBooking struct {
	mu       sync.Mutex
	eligible map[string]bool
	reserved []string
	err      error
}

func newFakeBooking(refs ...string) *fakeBooking {
	b := &fakeBooking{eligible: map[string]bool{}}
	for _, ref := range refs {
		b.eligible[ref] = true
	}
	return b
}

func (b *fakeBooking) IsEligibleForPayment(_ context.Context, ref string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eligible[ref], nil
}

func (b *fakeBooking) MarkReserved(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.reserved = append(b.reserved, ref)
	return nil
}

func (b *fakeBooking) reservedRefs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reserved...)
}

type fakeProvider struct {
	mu          sync.Mutex
	confirmFn   func(paymentKey, orderID string, amount int64) (*provider.Payment, error)
	cancelFn    func(paymentKey string, amount int64, idempotencyKey string) (*provider.Payment, error)
	getFn       func(orderID string) (*provider.Payment, error)
	confirmHits int
	cancelHits  int
}

func (p *fakeProvider) ConfirmPayment(_ context.Context, paymentKey, orderID string, amount int64) (*provider.Payment, error) {
	p.mu.Lock()
	p.confirmHits++
	fn := p.confirmFn
	p.mu.Unlock()
	if fn == nil {
		return donePayment(paymentKey, orderID, amount), nil
	}
	return fn(paymentKey, orderID, amount)
}

func (p *fakeProvider) CancelPayment(_ context.Context, paymentKey string, amount int64, _ string, idempotencyKey string) (*provider.Payment, error) {
	p.mu.Lock()
	p.cancelHits++
	fn := p.cancelFn
	p.mu.Unlock()
	if fn == nil {
		return nil, errors.New("cancel not configured")
	}
	return fn(paymentKey, amount, idempotencyKey)
}

func (p *fakeProvider) GetPaymentByOrderID(_ context.Context, orderID string) (*provider.Payment, error) {
	p.mu.Lock()
	fn := p.getFn
	p.mu.Unlock()
	if fn == nil {
		return nil, &provider.APIError{StatusCode: http.StatusNotFound, Code: "NOT_FOUND_PAYMENT"}
	}
	return fn(orderID)
}

func donePayment(paymentKey, orderID string, amount int64) *provider.Payment {
	approved := time.Now().UTC()
	p := &provider.Payment{
		PaymentKey:    paymentKey,
		OrderID:       orderID,
		Status:        provider.StatusDone,
		TotalAmount:   amount,
		BalanceAmount: amount,
		ApprovedAt:    &approved,
	}
	p.Raw, _ = json.Marshal(p)
	return p
}

type fakeGuard struct {
	mu      sync.Mutex
	seen    map[string]bool
	deleted []string
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{seen: map[string]bool{}}
}

func (g *fakeGuard) CheckAndMark(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[id] {
		return true, nil
	}
	g.seen[id] = true
	return false, nil
}

func (g *fakeGuard) Delete(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, id)
	g.deleted = append(g.deleted, id)
	return nil
}

type fakeLocker struct {
	mu       sync.Mutex
	keys     []string
	released int
}

func (l *fakeLocker) Acquire(_ context.Context, key, _ string) (func(), error) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, nil
}

type harness struct {
	t        *testing.T
	db       *gorm.DB
	cfg      *config.Config
	booking  *fakeBooking
	provider *fakeProvider
	locker   *fakeLocker
	audits   *repository.AuditRepository
	audit    *AuditRecorder
	notifier *BookingNotifier
	engine   *Engine
	intent   *IntentService
	confirm  *ConfirmService
	refunds  *RefundService
	webhook  *WebhookGateway
	recovery *RecoveryService
	detector *AnomalyDetector
}

func newHarness(t *testing.T, guard EventGuard) *harness {
	t.Helper()
	db := newTestDB(t)

	cfg := config.Default()
	cfg.Webhook.Secret = testSecret
	cfg.Provider.Timeout = time.Second

	log := zerolog.Nop()
	h := &harness{
		t:        t,
		db:       db,
		cfg:      cfg,
		booking:  newFakeBooking(testBookingRef),
		provider: &fakeProvider{},
		locker:   &fakeLocker{},
		audits:   repository.NewAuditRepository(db),
	}
	authz := auth.NewRoleAuthorizer(cfg.Auth.ElevatedRoles)

	h.audit = NewAuditRecorder(h.audits, log, nil)
	h.notifier = NewBookingNotifier(h.booking, h.audit, log)
	h.engine = NewEngine(db, cfg, h.audit, h.notifier, nil, log)
	h.intent = NewIntentService(db, h.booking, h.audit, log)
	h.confirm = NewConfirmService(h.engine, h.provider, h.audit, cfg.Provider.Timeout, nil, log)
	h.refunds = NewRefundService(h.engine, h.provider, authz, h.locker, h.audit, cfg.Provider.Timeout, nil, log)
	h.webhook = NewWebhookGateway(testSecret, h.engine, h.refunds, guard, h.audit, nil, log)
	h.recovery = NewRecoveryService(h.engine, h.refunds, h.provider, authz, h.audit, cfg.Provider.Timeout, nil, log)
	h.detector = NewAnomalyDetector(h.audits, cfg.Anomaly, nil, log)
	return h
}

func (h *harness) prepare(amount int64) *model.Payment {
	h.t.Helper()
	resp, err := h.intent.Prepare(context.Background(), &PrepareRequest{
		BookingRef: testBookingRef,
		Amount:     amount,
		Buyer:      Buyer{Name: "Kim", Contact: "kim@example.com"},
	}, testMeta)
	require.NoError(h.t, err)
	return h.payment(resp.OrderID)
}

func (h *harness) payment(orderID string) *model.Payment {
	h.t.Helper()
	p, err := h.engine.payments.GetByOrderID(context.Background(), nil, orderID)
	require.NoError(h.t, err)
	return p
}

// setStatus 直接改库，构造测试前置状态
func (h *harness) setStatus(p *model.Payment, status model.PaymentStatus) {
	h.t.Helper()
	require.NoError(h.t, h.db.Model(&model.Payment{}).Where("id = ?", p.ID).Update("status", status).Error)
}

func (h *harness) markPaid(p *model.Payment, paymentKey string) *model.Payment {
	h.t.Helper()
	_, err := h.engine.ApplyTransition(context.Background(), p.OrderID, model.PaymentStatusPaid, Evidence{
		Source:                SourceWebhook,
		ProviderTransactionID: paymentKey,
	})
	require.NoError(h.t, err)
	h.notifier.Wait()
	return h.payment(p.OrderID)
}

func (h *harness) countEvents(paymentID, eventType string) int64 {
	h.t.Helper()
	n, err := h.audits.CountByPaymentAndType(context.Background(), paymentID, eventType)
	require.NoError(h.t, err)
	return n
}

func (h *harness) lastEventData(paymentID, eventType string) map[string]interface{} {
	h.t.Helper()
	events, err := h.audits.ListByPayment(context.Background(), paymentID, 500)
	require.NoError(h.t, err)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == eventType {
			data := map[string]interface{}{}
			require.NoError(h.t, json.Unmarshal([]byte(events[i].EventData), &data))
			return data
		}
	}
	h.t.Fatalf("no %s event for payment %s", eventType, paymentID)
	return nil
}

func (h *harness) refundRecords(paymentID string) []*model.RefundRecord {
	h.t.Helper()
	records, err := h.engine.refunds.ListByPayment(context.Background(), paymentID)
	require.NoError(h.t, err)
	return records
}

func webhookBody(eventID, eventType string, data map[string]interface{}) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"eventId":   eventID,
		"eventType": eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	return body
}

func (h *harness) deliver(body []byte) WebhookAck {
	ack := h.webhook.Handle(context.Background(), WebhookRequest{
		Body:      body,
		Signature: signature.Sign([]byte(testSecret), body),
		Meta:      testMeta,
	})
	h.notifier.Wait()
	return ack
}

func cancelEntry(key string, amount int64, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"cancelReason":   "buyer request",
		"cancelAmount":   amount,
		"canceledAt":     at.Format(time.RFC3339),
		"transactionKey": key,
	}
}

func paymentKeyFor(p *model.Payment) string {
	return fmt.Sprintf("pk_%s", p.OrderID)
}
