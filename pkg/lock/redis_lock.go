package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistributedLock 定义分布式锁接口
type DistributedLock interface {
	// Acquire 尝试获取锁
	// key: 锁的唯一标识
	// ttl: 锁的过期时间
	// 返回: (是否成功, error)
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release 释放锁
	Release(ctx context.Context, key string) error
}

// 只删除自己写入的 token，TTL 过期后被别的节点抢走的锁不会被误删
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock 基于 Redis SET NX 的实现。
// 每次 Acquire 写入随机 token，Release 用 Lua 比较后删除，
// 持锁方超时后迟到的 Release 不会释放别人持有的锁。
type RedisLock struct {
	client *redis.Client
	tokens sync.Map // key -> token
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	// SET key token NX EX ttl
	success, err := l.client.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if success {
		l.tokens.Store(key, token)
	}
	return success, nil
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	v, ok := l.tokens.LoadAndDelete(key)
	if !ok {
		return nil // 本实例没持有过这把锁
	}
	return releaseScript.Run(ctx, l.client, []string{"lock:" + key}, v).Err()
}
