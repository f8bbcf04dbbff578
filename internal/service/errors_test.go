package service

import (
	"errors"
	"fmt"
	"testing"

	"payrecon/internal/infrastructure/provider"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
)

func TestErrorKindUnwraps(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "OverRefund", ErrorKind(fmt.Errorf("cancel tx-1: %w", ErrOverRefund)))
	assert.Equal(t, "PaymentNotFound", ErrorKind(fmt.Errorf("load: %w", ErrPaymentNotFound)))
	assert.Equal(t, "Internal", ErrorKind(errors.New("boom")))
}

func TestTranslateProviderError(t *testing.T) {
	assert.Nil(t, translateProviderError(nil))
	assert.ErrorIs(t, translateProviderError(provider.ErrTimeout), ErrProviderTimeout)
	assert.ErrorIs(t, translateProviderError(&provider.APIError{StatusCode: 502}), ErrProviderError)
}

func TestUserMessageHidesInternals(t *testing.T) {
	err := translateProviderError(&provider.APIError{StatusCode: 500, Code: "INTERNAL", Message: "db exploded"})
	msg := UserMessage(err)
	assert.NotContains(t, msg, "db exploded")
	assert.NotContains(t, msg, "INTERNAL")
	assert.Equal(t, "Payment confirmed.", UserMessage(nil))
}

func TestIsIntegrityError(t *testing.T) {
	assert.False(t, isIntegrityError(nil))
	assert.True(t, isIntegrityError(fmt.Errorf("x: %w", ErrInvalidTransition)))
	assert.True(t, isIntegrityError(multierr.Combine(ErrOverRefund, ErrInvalidTransition)))
	assert.False(t, isIntegrityError(multierr.Combine(ErrOverRefund, errors.New("connection reset"))))
	assert.False(t, isIntegrityError(errors.New("connection reset")))
}
