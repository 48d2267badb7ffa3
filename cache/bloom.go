package cache

import (
	"context"
	"hash/fnv"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// BloomFilter 基于Redis位图的布隆过滤器。记录全部已分配的投票ID，
// 查询不存在的ID时可以在落库前直接拒绝，防止缓存穿透。
type BloomFilter struct {
	redisClient RedisClient
	key         string
	hashCount   int
}

// NewBloomFilter 创建新的布隆过滤器
func NewBloomFilter(client RedisClient, key string, hashCount int) *BloomFilter {
	return &BloomFilter{
		redisClient: client,
		key:         "bloom:" + key,
		hashCount:   hashCount,
	}
}

// NewPollIDFilter 创建投票ID布隆过滤器。模拟模式下返回nil，调用方跳过检查。
func NewPollIDFilter() *BloomFilter {
	client, err := GetClient()
	if err != nil {
		return nil
	}
	return NewBloomFilter(client, "poll_ids", 5)
}

// AddPollID 将新分配的投票ID加入过滤器
func (bf *BloomFilter) AddPollID(ctx context.Context, pollID int64) error {
	return bf.Add(ctx, strconv.FormatInt(pollID, 10))
}

// MayContainPollID 判断投票ID是否可能存在。false 一定不存在，true 可能存在。
func (bf *BloomFilter) MayContainPollID(ctx context.Context, pollID int64) (bool, error) {
	return bf.Contains(ctx, strconv.FormatInt(pollID, 10))
}

// Add 添加元素到布隆过滤器
func (bf *BloomFilter) Add(ctx context.Context, item string) error {
	if bf.redisClient == nil {
		return ErrRedisNotAvailable
	}

	pipe := bf.redisClient.Pipeline()
	for i := 0; i < bf.hashCount; i++ {
		pipe.SetBit(ctx, bf.key, bf.hash(item, i), 1)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Contains 检查元素是否可能存在于布隆过滤器中
func (bf *BloomFilter) Contains(ctx context.Context, item string) (bool, error) {
	if bf.redisClient == nil {
		return false, ErrRedisNotAvailable
	}

	pipe := bf.redisClient.Pipeline()
	var cmds []*redis.IntCmd
	for i := 0; i < bf.hashCount; i++ {
		cmds = append(cmds, pipe.GetBit(ctx, bf.key, bf.hash(item, i)))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	// 任何一位为0即可断定不存在
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// hash 计算哈希值，使用不同的种子
func (bf *BloomFilter) hash(key string, seed int) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{byte(seed)})
	return int64(h.Sum64() % uint64(1<<30))
}
