package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient 定义缓存组件依赖的Redis客户端子集，
// 布隆过滤器和限流器通过该接口工作，便于测试替换
type RedisClient interface {
	// 基本操作
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd

	// 管道操作
	Pipeline() redis.Pipeliner

	// 位操作（布隆过滤器）
	SetBit(ctx context.Context, key string, offset int64, value int) *redis.IntCmd
	GetBit(ctx context.Context, key string, offset int64) *redis.IntCmd

	// 集合操作（消息幂等）
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd

	// Lua脚本（令牌桶限流）
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}
