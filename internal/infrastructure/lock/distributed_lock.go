package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 加锁：SET key value NX EX timeout，value 为持有者标识
// 释放：Lua 脚本先比对 value 再删除，避免误删别人的锁
//
// 台账的一致性不依赖这把锁（由版本号 CAS 保证）；
// 它只用于串行化同一笔支付的人工退款，避免对渠道重复发起取消。
// ============================================================================

var ErrLockFailed = errors.New("acquire distributed lock failed")

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞获取锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 带重试的阻塞获取
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// RefundLockKey 按支付维度加锁
func RefundLockKey(paymentID string) string {
	return fmt.Sprintf("payrecon:lock:refund:%s", paymentID)
}

// RedisLocker 以 service.Locker 的形式暴露分布式锁
type RedisLocker struct {
	client        *redis.Client
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:        client,
		expiration:    30 * time.Second,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    30,
	}
}

// Acquire 获取锁，返回的 release 使用独立的 context，调用方取消后锁仍能被释放
func (l *RedisLocker) Acquire(ctx context.Context, key, owner string) (func(), error) {
	dl := NewDistributedLock(l.client, key, owner, l.expiration)
	if err := dl.Lock(ctx, l.retryInterval, l.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = dl.Unlock(releaseCtx)
	}, nil
}
