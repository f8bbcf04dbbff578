package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyAcceptsValidSignature(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"eventId":"evt_1","eventType":"PAYMENT.DONE"}`)

	sig := Sign(secret, body)
	assert.True(t, Verify(secret, body, sig))
	assert.True(t, Verify(secret, body, "v1="+sig))
}

func TestVerifyRejectsSingleByteChange(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"eventId":"evt_1","data":{"totalAmount":150000}}`)
	sig := Sign(secret, body)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		assert.False(t, Verify(secret, tampered, sig), "byte %d flipped", i)
	}
}

func TestVerifyRejectsEmptyInputs(t *testing.T) {
	body := []byte("{}")
	assert.False(t, Verify(nil, body, Sign([]byte("k"), body)))
	assert.False(t, Verify([]byte("k"), body, ""))
	assert.False(t, Verify([]byte("k"), body, Sign([]byte("other"), body)))
}
