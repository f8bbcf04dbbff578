package model

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// 审计事件类型
const (
	AuditPrepare               = "prepare"
	AuditWebhookReceived       = "webhook_received"
	AuditWebhookParseError     = "webhook_parse_error"
	AuditWebhookIgnored        = "webhook_ignored"
	AuditFraudAttempt          = "fraud_attempt"
	AuditTransition            = "transition"
	AuditTransitionReplay      = "transition_replay"
	AuditInvalidTransition     = "invalid_transition"
	AuditConfirmRequested      = "confirm_requested"
	AuditRefundRequested       = "refund_requested"
	AuditRefundRejected        = "refund_rejected"
	AuditRefundFailed          = "refund_failed"
	AuditTimeout               = "timeout"
	AuditProviderAPIFailed     = "provider_api_failed"
	AuditProviderAPISucceeded  = "provider_api_succeeded"
	AuditBookingNotifyFailed   = "booking_notify_failed"
	AuditManualSyncRequested   = "manual_sync_requested"
	AuditAdminManualSync       = "admin_manual_sync"
	AuditAdminForceUpdate      = "admin_force_update"
	AuditAdminSettlementCreate = "admin_settlement_created"
	AuditAdminAccessDenied     = "admin_access_denied"
)

// PaymentAttemptEvents 异常检测中计为一次"支付尝试"的事件
var PaymentAttemptEvents = []string{
	AuditConfirmRequested,
	AuditRefundRequested,
	AuditManualSyncRequested,
	AuditWebhookReceived,
}

// ProviderOutcomeEvents 渠道调用结果事件，用于判断连续失败
var ProviderOutcomeEvents = []string{
	AuditProviderAPIFailed,
	AuditProviderAPISucceeded,
}

var ErrAuditImmutable = errors.New("audit log events are immutable")

// AuditLogEvent 审计日志：只追加，不修改，不删除
// payment_id 是弱引用，台账不反向引用单条事件
type AuditLogEvent struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID      string    `gorm:"type:varchar(36);index" json:"payment_id"`
	EventType      string    `gorm:"type:varchar(40);index;not null" json:"event_type"`
	EventData      string    `gorm:"type:text" json:"event_data"`
	ErrorMessage   *string   `gorm:"type:varchar(512)" json:"error_message,omitempty"`
	HTTPStatusCode *int      `json:"http_status_code,omitempty"`
	SourceIP       *string   `gorm:"type:varchar(64);index" json:"source_ip,omitempty"`
	UserAgent      *string   `gorm:"type:varchar(256)" json:"user_agent,omitempty"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

func (AuditLogEvent) TableName() string {
	return "payment_audit_log"
}

func (AuditLogEvent) BeforeUpdate(*gorm.DB) error {
	return ErrAuditImmutable
}

func (AuditLogEvent) BeforeDelete(*gorm.DB) error {
	return ErrAuditImmutable
}
