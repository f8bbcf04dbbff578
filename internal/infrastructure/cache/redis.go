package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payrecon/internal/config"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "payrecon"

func InitRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// WebhookEventKey 渠道事件去重 key
func WebhookEventKey(eventID string) string {
	return fmt.Sprintf("%s:webhook:event:%s", keyPrefix, eventID)
}

// WebhookEventGuard 基于 SETNX 的 webhook 事件去重
//
// 只是快速路径：状态机本身是幂等的，guard 丢失或过期不影响正确性
type WebhookEventGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewWebhookEventGuard(client *redis.Client, ttl time.Duration) (*WebhookEventGuard, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	return &WebhookEventGuard{client: client, ttl: ttl}, nil
}

// CheckAndMark 返回 true 表示该事件之前已经被标记过
func (g *WebhookEventGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.client.SetNX(ctx, WebhookEventKey(eventID), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set webhook event key: %w", err)
	}
	return !set, nil
}

func (g *WebhookEventGuard) Delete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.client.Del(ctx, WebhookEventKey(eventID)).Err()
}
