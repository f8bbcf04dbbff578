package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebhookEventGuardValidates(t *testing.T) {
	_, err := NewWebhookEventGuard(nil, time.Hour)
	require.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	_, err = NewWebhookEventGuard(client, 0)
	require.Error(t, err)

	guard, err := NewWebhookEventGuard(client, time.Hour)
	require.NoError(t, err)

	// 空事件 ID 在访问 redis 之前就被拒绝
	_, err = guard.CheckAndMark(context.Background(), "")
	require.Error(t, err)
	require.Error(t, guard.Delete(context.Background(), ""))
}

func TestWebhookEventKey(t *testing.T) {
	assert.Equal(t, keyPrefix+":webhook:event:evt_1", WebhookEventKey("evt_1"))
}

func TestWebhookEventGuardMarksOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	guard, err := NewWebhookEventGuard(client, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	seen, err := guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, time.Hour, mr.TTL(WebhookEventKey("evt_1")))

	// 处理失败删除标记后，渠道重投可以再次处理
	require.NoError(t, guard.Delete(ctx, "evt_1"))
	seen, err = guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	mr.FastForward(2 * time.Hour)
	seen, err = guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}
