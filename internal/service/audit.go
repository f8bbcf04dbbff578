package service

import (
	"context"
	"encoding/json"
	"time"

	"payrecon/internal/model"
	"payrecon/internal/repository"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// AuditEntry 待写入的审计事件
type AuditEntry struct {
	PaymentID  string
	EventType  string
	Data       interface{}
	Err        error
	HTTPStatus int
	Meta       RequestMeta
}

// AuditRecorder 审计日志写入
//
// Append 在调用方事务内写入，失败会让事务回滚；
// Record 尽力写入，失败只记日志，不影响主流程。
type AuditRecorder struct {
	repo *repository.AuditRepository
	log  zerolog.Logger
	now  func() time.Time
}

func NewAuditRecorder(repo *repository.AuditRepository, log zerolog.Logger, now func() time.Time) *AuditRecorder {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &AuditRecorder{repo: repo, log: log.With().Str("component", "AuditLog").Logger(), now: now}
}

func (r *AuditRecorder) Append(ctx context.Context, tx *gorm.DB, entry AuditEntry) error {
	return r.repo.Append(ctx, tx, r.build(entry))
}

func (r *AuditRecorder) Record(ctx context.Context, entry AuditEntry) {
	if err := r.repo.Append(ctx, nil, r.build(entry)); err != nil {
		r.log.Error().Err(err).
			Str("payment_id", entry.PaymentID).
			Str("event_type", entry.EventType).
			Msg("audit append failed")
	}
}

func (r *AuditRecorder) build(entry AuditEntry) *model.AuditLogEvent {
	event := &model.AuditLogEvent{
		PaymentID: entry.PaymentID,
		EventType: entry.EventType,
		EventData: encodeData(entry.Data),
		CreatedAt: r.now(),
	}
	if entry.Err != nil {
		msg := truncate(entry.Err.Error(), 512)
		event.ErrorMessage = &msg
	}
	if entry.HTTPStatus != 0 {
		code := entry.HTTPStatus
		event.HTTPStatusCode = &code
	}
	if entry.Meta.SourceIP != "" {
		ip := entry.Meta.SourceIP
		event.SourceIP = &ip
	}
	if entry.Meta.UserAgent != "" {
		ua := truncate(entry.Meta.UserAgent, 256)
		event.UserAgent = &ua
	}
	return event
}

func encodeData(data interface{}) string {
	if data == nil {
		return "{}"
	}
	if raw, ok := data.(json.RawMessage); ok {
		return string(raw)
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return `{"encode_error":"` + err.Error() + `"}`
	}
	return string(encoded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
