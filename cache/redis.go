package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"poll-ledger-backend/models"

	"github.com/redis/go-redis/v9"
)

// 全局Redis客户端
var (
	redisClient *redis.Client
	redisCtx    = context.Background()
	initOnce    sync.Once
	initialized bool

	// 投票快照缓存默认过期时间
	defaultExpiration = 1 * time.Hour
	// 空值缓存过期时间（用于缓存穿透）
	nullExpiration = 5 * time.Minute
	// 缓存时间抖动系数，防止同时失效
	jitterFactor = 0.2
)

const nullSentinel = "nil"

// InitRedis 初始化Redis连接。连接失败时退化为模拟模式，业务继续可用。
func InitRedis() error {
	initOnce.Do(func() {
		// 检查是否强制使用模拟模式
		if os.Getenv("REDIS_MOCK") == "true" {
			log.Println("强制使用Redis模拟模式")
			mockMode = true
			initialized = true
			return
		}

		redisAddr := os.Getenv("REDIS_ADDR")
		redisPassword := os.Getenv("REDIS_PASSWORD")
		redisDb := 0
		if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				redisDb = db
			}
		}
		if redisAddr == "" {
			redisAddr = "localhost:6379"
		}

		log.Printf("初始化Redis连接, 地址: %s", redisAddr)

		client := redis.NewClient(&redis.Options{
			Addr:        redisAddr,
			Password:    redisPassword,
			DB:          redisDb,
			DialTimeout: 3 * time.Second,
			ReadTimeout: 3 * time.Second,
			PoolSize:    10,
		})

		if _, err := client.Ping(redisCtx).Result(); err != nil {
			log.Printf("Redis连接失败: %v，将使用模拟模式", err)
			mockMode = true
			initialized = true
			return
		}

		redisClient = client
		initialized = true
		mockMode = false
		log.Println("Redis连接初始化成功")
	})

	return nil
}

// GetClient 获取Redis客户端实例
func GetClient() (*redis.Client, error) {
	if !initialized {
		return nil, fmt.Errorf("Redis客户端未初始化")
	}
	if mockMode {
		return nil, fmt.Errorf("处于模拟模式，无法获取真实客户端")
	}
	return redisClient, nil
}

func pollKey(pollID int64) string {
	return fmt.Sprintf("poll:snapshot:%d", pollID)
}

// jittered 在过期时间上叠加随机抖动
func jittered(expiration time.Duration) time.Duration {
	return time.Duration(float64(expiration) * (1 + jitterFactor*(0.5-rand.Float64())))
}

// CachePoll 缓存投票快照
func CachePoll(poll models.Poll) error {
	if !initialized {
		return fmt.Errorf("Redis未初始化")
	}

	data, err := json.Marshal(poll)
	if err != nil {
		return fmt.Errorf("序列化投票快照失败: %v", err)
	}
	key := pollKey(poll.ID)

	if mockMode {
		mockMutex.Lock()
		defer mockMutex.Unlock()
		mockData[key] = string(data)
		return nil
	}
	return redisClient.Set(redisCtx, key, string(data), jittered(defaultExpiration)).Err()
}

// CacheMissingPoll 缓存空值，防止对不存在ID的反复穿透查询
func CacheMissingPoll(pollID int64) error {
	if !initialized {
		return fmt.Errorf("Redis未初始化")
	}
	key := pollKey(pollID)

	if mockMode {
		mockMutex.Lock()
		defer mockMutex.Unlock()
		mockData[key] = nullSentinel
		return nil
	}
	return redisClient.Set(redisCtx, key, nullSentinel, jittered(nullExpiration)).Err()
}

// GetCachedPoll 读取投票快照。三态返回：
// 命中返回快照；命中空值标记返回 models.ErrPollNotFound；未命中返回 ErrCacheMiss。
func GetCachedPoll(pollID int64) (models.Poll, error) {
	if !initialized {
		return models.Poll{}, fmt.Errorf("Redis未初始化")
	}
	key := pollKey(pollID)

	var data string
	if mockMode {
		mockMutex.Lock()
		val, exists := mockData[key]
		mockMutex.Unlock()
		if !exists {
			return models.Poll{}, ErrCacheMiss
		}
		data = val
	} else {
		val, err := redisClient.Get(redisCtx, key).Result()
		if err == redis.Nil {
			return models.Poll{}, ErrCacheMiss
		}
		if err != nil {
			return models.Poll{}, fmt.Errorf("查询缓存失败: %v", err)
		}
		data = val
	}

	if data == nullSentinel {
		return models.Poll{}, models.ErrPollNotFound
	}

	var poll models.Poll
	if err := json.Unmarshal([]byte(data), &poll); err != nil {
		return models.Poll{}, fmt.Errorf("解析投票快照失败: %v", err)
	}
	return poll, nil
}

// InvalidatePoll 在投票状态变更后删除快照缓存
func InvalidatePoll(pollID int64) error {
	if !initialized {
		return fmt.Errorf("Redis未初始化")
	}
	key := pollKey(pollID)

	if mockMode {
		mockMutex.Lock()
		defer mockMutex.Unlock()
		delete(mockData, key)
		return nil
	}
	return redisClient.Del(redisCtx, key).Err()
}

// PrewarmPolls 预热一批投票快照，过期时间各自抖动避免雪崩
func PrewarmPolls(polls []models.Poll) error {
	if !initialized {
		return fmt.Errorf("Redis未初始化")
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(polls))

	for _, poll := range polls {
		wg.Add(1)
		go func(p models.Poll) {
			defer wg.Done()
			if err := CachePoll(p); err != nil {
				errChan <- fmt.Errorf("预热投票 %d 失败: %v", p.ID, err)
			}
		}(poll)
	}

	wg.Wait()
	close(errChan)

	count := 0
	for err := range errChan {
		log.Println(err)
		count++
	}
	if count > 0 {
		return fmt.Errorf("预热缓存过程中发生 %d 个错误", count)
	}
	return nil
}

// CloseRedis 关闭Redis连接
func CloseRedis() {
	if initialized && !mockMode && redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("关闭Redis连接错误: %v", err)
		}
		log.Println("Redis连接已关闭")
	}
}
