package cache

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// RateLimiter 限流器接口
type RateLimiter interface {
	// Allow 判断请求是否允许通过
	Allow(ctx context.Context) (bool, error)
}

// TokenBucketRateLimiter 基于Redis Lua脚本的令牌桶限流器，
// 多实例共享同一个桶
type TokenBucketRateLimiter struct {
	redisClient RedisClient
	key         string
	rate        int // 每秒生成的令牌数量
	burst       int // 令牌桶最大容量
}

// NewTokenBucketRateLimiter 创建新的令牌桶限流器
func NewTokenBucketRateLimiter(client RedisClient, key string, rate, burst int) *TokenBucketRateLimiter {
	return &TokenBucketRateLimiter{
		redisClient: client,
		key:         fmt.Sprintf("rate_limit:%s", key),
		rate:        rate,
		burst:       burst,
	}
}

// Allow 判断请求是否允许通过
func (l *TokenBucketRateLimiter) Allow(ctx context.Context) (bool, error) {
	if l.redisClient == nil {
		return false, ErrRedisNotAvailable
	}

	// 令牌桶算法的Lua脚本
	script := `
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local burst = tonumber(ARGV[3])
	local period = 1 -- 1秒为单位

	local tokens_key = key .. ":tokens"
	local timestamp_key = key .. ":ts"

	local tokens = tonumber(redis.call("get", tokens_key) or burst)
	local last_update = tonumber(redis.call("get", timestamp_key) or 0)

	-- 按经过的时间补充令牌
	local elapsed = math.max(0, now - last_update)
	local new_tokens = math.min(burst, tokens + elapsed * rate)

	if new_tokens < 1 then
		return 0
	end

	new_tokens = new_tokens - 1

	redis.call("setex", tokens_key, period * 2, new_tokens)
	redis.call("setex", timestamp_key, period * 2, now)

	return 1
	`

	now := time.Now().Unix()
	result, err := l.redisClient.Eval(ctx, script, []string{l.key}, now, l.rate, l.burst).Result()
	if err != nil {
		return false, err
	}
	return result.(int64) == 1, nil
}

// IdentityRateLimiter 身份级别限流器：全局一个桶加每个投票身份一个桶
type IdentityRateLimiter struct {
	redisClient   RedisClient
	globalLimiter RateLimiter
	keyPrefix     string
	rate          int
	burst         int

	mu       sync.Mutex
	limiters map[string]RateLimiter
}

// NewIdentityRateLimiter 创建身份级别限流器
func NewIdentityRateLimiter(client RedisClient, keyPrefix string, globalRate, globalBurst, identityRate, identityBurst int) *IdentityRateLimiter {
	return &IdentityRateLimiter{
		redisClient:   client,
		globalLimiter: NewTokenBucketRateLimiter(client, keyPrefix+":global", globalRate, globalBurst),
		keyPrefix:     keyPrefix,
		rate:          identityRate,
		burst:         identityBurst,
		limiters:      make(map[string]RateLimiter),
	}
}

func (l *IdentityRateLimiter) limiterFor(identity string) RateLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[identity]; ok {
		return limiter
	}
	limiter := NewTokenBucketRateLimiter(l.redisClient, l.keyPrefix+":identity:"+identity, l.rate, l.burst)
	l.limiters[identity] = limiter
	return limiter
}

// Allow 先过全局桶再过身份桶
func (l *IdentityRateLimiter) Allow(ctx context.Context, identity string) (bool, error) {
	allowed, err := l.globalLimiter.Allow(ctx)
	if err != nil || !allowed {
		if err != nil {
			log.Printf("全局限流检查失败: %v", err)
		}
		return allowed, err
	}
	return l.limiterFor(identity).Allow(ctx)
}
