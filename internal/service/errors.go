package service

import (
	"errors"
	"fmt"

	"payrecon/internal/infrastructure/provider"
	"payrecon/internal/repository"
)

// 错误分类，对应日志 / 审计中的 taxonomy key
var (
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrAmountMismatch        = errors.New("amount mismatch")
	ErrOverRefund            = errors.New("over refund")
	ErrProviderTimeout       = errors.New("provider timeout")
	ErrProviderError         = errors.New("provider error")
	ErrBookingNotEligible    = errors.New("booking not eligible")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrPaymentNotFound       = repository.ErrPaymentNotFound
	ErrForbidden             = errors.New("forbidden")
	ErrJustificationRequired = errors.New("justification required")
	ErrSettlementExists      = errors.New("settlement exists")
	ErrInvalidStatus         = errors.New("invalid status")
	ErrLockBusy              = errors.New("payment is locked by another operation")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidSignature, "InvalidSignature"},
	{ErrMalformedPayload, "MalformedPayload"},
	{ErrInvalidTransition, "InvalidTransition"},
	{ErrAmountMismatch, "AmountMismatch"},
	{ErrOverRefund, "OverRefund"},
	{ErrProviderTimeout, "ProviderTimeout"},
	{ErrProviderError, "ProviderError"},
	{ErrBookingNotEligible, "BookingNotEligible"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrDuplicateOrder, "DuplicateOrder"},
	{ErrPaymentNotFound, "PaymentNotFound"},
	{ErrForbidden, "Forbidden"},
	{ErrJustificationRequired, "JustificationRequired"},
	{ErrSettlementExists, "SettlementExists"},
	{ErrInvalidStatus, "InvalidStatus"},
	{ErrLockBusy, "LockBusy"},
}

// ErrorKind 返回错误的分类名；未分类的错误为 "Internal"
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}

// UserMessage 面向买家的提示语，不暴露渠道内部细节
func UserMessage(err error) string {
	switch {
	case err == nil:
		return "Payment confirmed."
	case errors.Is(err, ErrAmountMismatch):
		return "We could not verify this payment. Please try again from the booking page."
	case errors.Is(err, ErrPaymentNotFound):
		return "We could not find this order."
	case errors.Is(err, ErrProviderTimeout):
		return "The payment provider is taking longer than usual. Your order is safe; please check again shortly."
	case errors.Is(err, ErrProviderError):
		return "The payment could not be completed. No charge has been confirmed."
	case errors.Is(err, ErrInvalidTransition):
		return "This order can no longer be paid. Please contact support if you were charged."
	case errors.Is(err, ErrBookingNotEligible):
		return "This booking is not awaiting payment."
	case errors.Is(err, ErrInvalidAmount):
		return "The payment amount is invalid."
	default:
		return "Something went wrong while processing your payment. Please try again."
	}
}

// translateProviderError 把渠道错误映射到本服务的错误分类
func translateProviderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, provider.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderError, err)
}
