package mq

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"poll-ledger-backend/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 队列后端类型
const (
	ModeRocketMQ = "rocketmq"
	ModeRedis    = "redis"
	ModeMock     = "mock"
)

// MQAdapter 事件队列适配器。通过 MQ_TYPE 环境变量选择后端：
// rocketmq、redis 或 mock，初始化失败时逐级回退到mock模式，
// 保证事件发布永远不会阻塞业务写入。
type MQAdapter struct {
	mode        string
	redisMQ     *RedisMQ
	redisClient *redis.Client
	initOnce    sync.Once
	initialized bool

	// mock模式下的直接派发
	mockMu      sync.Mutex
	mockHandler func(evt models.Event) error
	mockSeen    map[string]bool
}

// NewMQAdapter 创建事件队列适配器
func NewMQAdapter() *MQAdapter {
	return &MQAdapter{
		mockSeen: make(map[string]bool),
	}
}

// Initialize 初始化所选的队列后端
func (a *MQAdapter) Initialize() error {
	var err error
	a.initOnce.Do(func() {
		mode := os.Getenv("MQ_TYPE")
		if mode == "" {
			mode = ModeRedis
		}

		switch mode {
		case ModeRocketMQ:
			if rocketErr := InitRocketMQ(); rocketErr != nil {
				log.Printf("RocketMQ初始化失败: %v，回退到Redis MQ", rocketErr)
				err = a.initRedis()
				return
			}
			a.mode = ModeRocketMQ
			a.initialized = true
			log.Println("成功初始化RocketMQ事件队列")

		case ModeMock:
			a.mode = ModeMock
			a.initialized = true
			log.Println("使用mock事件队列")

		default:
			err = a.initRedis()
		}
	})
	return err
}

func (a *MQAdapter) initRedis() error {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisHost := os.Getenv("REDIS_HOST")
		if redisHost == "" {
			redisHost = "localhost"
		}
		redisPort := os.Getenv("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		redisAddr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	log.Printf("事件队列使用Redis地址: %s", redisAddr)

	client := redis.NewClient(&redis.Options{
		Addr:        redisAddr,
		Password:    os.Getenv("REDIS_PASSWORD"),
		DB:          0,
		DialTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second,
		PoolSize:    20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, pingErr := client.Ping(ctx).Result(); pingErr != nil {
		log.Printf("Redis连接失败: %v，事件队列回退到mock模式", pingErr)
		a.mode = ModeMock
		a.initialized = true
		return nil
	}

	a.redisClient = client
	a.redisMQ = NewRedisMQ(client)
	a.mode = ModeRedis
	a.initialized = true
	log.Println("成功初始化Redis事件队列")
	return nil
}

// Publish 发布事件。MessageID为空时自动分配UUID。
func (a *MQAdapter) Publish(evt models.Event) error {
	if !a.initialized {
		return fmt.Errorf("事件队列适配器未初始化")
	}

	if evt.MessageID == "" {
		evt.MessageID = uuid.New().String()
	}

	switch a.mode {
	case ModeRocketMQ:
		return PublishRocketEvent(evt)
	case ModeRedis:
		return a.redisMQ.Publish(evt)
	default:
		return a.publishMock(evt)
	}
}

// publishMock mock模式直接同步派发给已注册的处理函数
func (a *MQAdapter) publishMock(evt models.Event) error {
	a.mockMu.Lock()
	handler := a.mockHandler
	if a.mockSeen[evt.MessageID] {
		a.mockMu.Unlock()
		log.Printf("mock模式: 事件已处理过，跳过: %s", evt.MessageID)
		return nil
	}
	a.mockSeen[evt.MessageID] = true
	a.mockMu.Unlock()

	if handler == nil {
		return nil
	}
	if err := handler(evt); err != nil {
		log.Printf("mock模式: 处理事件失败: %v", err)
	}
	return nil
}

// RegisterHandler 注册事件处理函数并启动消费
func (a *MQAdapter) RegisterHandler(handler func(evt models.Event) error) error {
	if !a.initialized {
		return fmt.Errorf("事件队列适配器未初始化")
	}

	switch a.mode {
	case ModeRocketMQ:
		return StartRocketConsumer(handler)
	case ModeRedis:
		a.redisMQ.RegisterHandler(handler)
		if err := a.redisMQ.Start(); err != nil {
			return fmt.Errorf("启动Redis事件消费者失败: %v", err)
		}
		log.Println("已注册并启动Redis事件消费者")
		return nil
	default:
		a.mockMu.Lock()
		a.mockHandler = handler
		a.mockMu.Unlock()
		log.Println("mock模式: 事件处理函数已注册")
		return nil
	}
}

// RetryDeadLetters 重试死信队列中的事件（仅Redis模式可用）
func (a *MQAdapter) RetryDeadLetters() error {
	if !a.initialized {
		return fmt.Errorf("事件队列适配器未初始化")
	}
	if a.mode != ModeRedis {
		return fmt.Errorf("当前队列模式不支持死信队列操作")
	}
	return a.redisMQ.RetryDeadLetters()
}

// GetQueueStats 获取队列统计信息
func (a *MQAdapter) GetQueueStats() map[string]interface{} {
	stats := make(map[string]interface{})

	if !a.initialized {
		stats["status"] = "未初始化"
		return stats
	}

	stats["type"] = a.mode
	stats["status"] = "正常运行"
	if a.mode == ModeRedis && a.redisMQ != nil {
		stats["queues"] = a.redisMQ.GetQueueStats()
	}
	return stats
}

// Close 关闭队列连接
func (a *MQAdapter) Close() {
	switch a.mode {
	case ModeRocketMQ:
		CloseRocketMQ()
	case ModeRedis:
		if a.redisMQ != nil {
			a.redisMQ.Stop()
		}
		if a.redisClient != nil {
			a.redisClient.Close()
		}
	}
	log.Println("事件队列已关闭")
}
