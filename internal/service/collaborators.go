package service

import (
	"context"

	"payrecon/internal/auth"
	"payrecon/internal/infrastructure/provider"
)

// BookingCollaborator 预约服务的只读 + 确认接口
type BookingCollaborator interface {
	IsEligibleForPayment(ctx context.Context, bookingRef string) (bool, error)
	MarkReserved(ctx context.Context, bookingRef string) error
}

type AuthCollaborator interface {
	RequireElevatedRole(actor auth.Actor) bool
}

// ProviderClient 支付渠道，调用方负责超时控制
type ProviderClient interface {
	ConfirmPayment(ctx context.Context, paymentKey, orderID string, amount int64) (*provider.Payment, error)
	CancelPayment(ctx context.Context, paymentKey string, amount int64, reason, idempotencyKey string) (*provider.Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*provider.Payment, error)
}

// Locker 跨实例互斥，release 必须可重复调用
type Locker interface {
	Acquire(ctx context.Context, key, owner string) (release func(), err error)
}

// EventGuard webhook 事件去重
type EventGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

// RequestMeta 请求来源信息，写入审计日志
type RequestMeta struct {
	SourceIP  string
	UserAgent string
}
