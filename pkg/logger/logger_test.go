package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestNewWritesServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(Options{ServiceName: "payrecon", Level: "info", Output: &buf}), "Webhook")

	log.Debug().Msg("hidden")
	log.Info().Str("order_id", "ORD1").Msg("received")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "payrecon", entry["service"])
	assert.Equal(t, "Webhook", entry["component"])
	assert.Equal(t, "ORD1", entry["order_id"])
	assert.Equal(t, "received", entry["message"])
}
