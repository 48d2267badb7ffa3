package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"poll-ledger-backend/models"

	"github.com/redis/go-redis/v9"
)

// RedisMQ 基于Redis List的事件队列，带处理中队列、重试和死信
type RedisMQ struct {
	client         *redis.Client
	ctx            context.Context
	processHandler func(evt models.Event) error
	isRunning      bool
	stopChan       chan struct{}
	wg             sync.WaitGroup

	processingTimeout time.Duration // 消息处理超时时间
	retryDelay        time.Duration // 重试延迟
	maxRetries        int           // 最大重试次数
}

// 队列名称常量
const (
	MainQueueName       = "poll_events"             // 主队列
	ProcessingQueueName = "poll_events_processing"  // 处理中队列
	DeadLetterQueueName = "poll_events_dead_letter" // 死信队列
	RetriesHashName     = "poll_events_retries"     // 重试次数记录
	ProcessedSetName    = "poll_events_processed"   // 幂等性集合
)

// NewRedisMQ 创建基于Redis的事件队列
func NewRedisMQ(redisClient *redis.Client) *RedisMQ {
	return &RedisMQ{
		client:            redisClient,
		ctx:               context.Background(),
		stopChan:          make(chan struct{}),
		processingTimeout: 5 * time.Minute,
		retryDelay:        30 * time.Second,
		maxRetries:        3,
	}
}

// RegisterHandler 注册事件处理函数
func (r *RedisMQ) RegisterHandler(handler func(evt models.Event) error) {
	r.processHandler = handler
}

// Publish 发布事件到主队列，按MessageID做幂等去重
func (r *RedisMQ) Publish(evt models.Event) error {
	jsonData, err := evt.ToJSON()
	if err != nil {
		return fmt.Errorf("序列化事件失败: %v", err)
	}

	// 幂等性检查
	exists, err := r.client.SIsMember(r.ctx, ProcessedSetName, evt.MessageID).Result()
	if err != nil {
		log.Printf("检查事件幂等性出错: %v", err)
	} else if exists {
		log.Printf("事件已发布过，跳过: %s", evt.MessageID)
		return nil
	}

	if err := r.client.SAdd(r.ctx, ProcessedSetName, evt.MessageID).Err(); err != nil {
		log.Printf("添加事件ID到幂等性集合出错: %v", err)
	}
	// 设置过期时间，避免集合无限增长
	r.client.Expire(r.ctx, ProcessedSetName, 48*time.Hour)

	if err := r.client.LPush(r.ctx, MainQueueName, jsonData).Err(); err != nil {
		return fmt.Errorf("发送事件到队列失败: %v", err)
	}

	log.Printf("事件已入队: %s, 类型: %s", evt.MessageID, evt.Type)
	return nil
}

// Start 启动消费者
func (r *RedisMQ) Start() error {
	if r.processHandler == nil {
		return fmt.Errorf("处理函数未注册")
	}
	if r.isRunning {
		return nil
	}

	r.isRunning = true
	log.Println("Redis事件队列消费者启动中...")

	r.wg.Add(1)
	go r.consumeLoop()

	r.wg.Add(1)
	go r.timeoutCheckLoop()

	log.Println("Redis事件队列消费者已启动")
	return nil
}

// Stop 关闭消费者
func (r *RedisMQ) Stop() {
	if !r.isRunning {
		return
	}

	log.Println("正在关闭Redis事件队列消费者...")
	close(r.stopChan)
	r.wg.Wait()
	r.isRunning = false
	log.Println("Redis事件队列消费者已关闭")
}

// consumeLoop 主消费循环
func (r *RedisMQ) consumeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopChan:
			return
		default:
			// BRPOPLPUSH原子地从主队列取出并放入处理中队列
			result, err := r.client.BRPopLPush(r.ctx, MainQueueName, ProcessingQueueName, 1*time.Second).Result()
			if err != nil {
				if err != redis.Nil {
					log.Printf("从队列获取事件失败: %v", err)
				}
				continue
			}

			// 处理协程纳入WaitGroup，Stop要等在途消息处理完
			r.wg.Add(1)
			go func(msgData string) {
				defer r.wg.Done()
				r.processMessage(msgData)
			}(result)
		}
	}
}

// timeoutCheckLoop 定期检查处理中队列的超时消息
func (r *RedisMQ) timeoutCheckLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.checkTimeouts()
		}
	}
}

func (r *RedisMQ) checkTimeouts() {
	messages, err := r.client.LRange(r.ctx, ProcessingQueueName, 0, -1).Result()
	if err != nil {
		log.Printf("获取处理中队列事件失败: %v", err)
		return
	}

	now := time.Now().Unix()

	for _, msgData := range messages {
		var evt models.Event
		if err := json.Unmarshal([]byte(msgData), &evt); err != nil {
			log.Printf("解析事件数据失败: %v", err)
			continue
		}

		if now-evt.Timestamp > int64(r.processingTimeout.Seconds()) {
			retries, _ := r.client.HGet(r.ctx, RetriesHashName, evt.MessageID).Int()

			if retries >= r.maxRetries {
				log.Printf("事件 %s 超过最大重试次数，移至死信队列", evt.MessageID)
				r.moveToDeadLetter(msgData)
			} else {
				r.client.HIncrBy(r.ctx, RetriesHashName, evt.MessageID, 1)

				evt.Timestamp = now
				updatedData, _ := evt.ToJSON()

				r.client.LRem(r.ctx, ProcessingQueueName, 1, msgData)

				time.AfterFunc(r.retryDelay, func() {
					r.client.LPush(r.ctx, MainQueueName, updatedData)
					log.Printf("事件 %s 重新入队，重试次数: %d", evt.MessageID, retries+1)
				})
			}
		}
	}
}

// processMessage 处理单个事件
func (r *RedisMQ) processMessage(msgData string) {
	var evt models.Event
	if err := json.Unmarshal([]byte(msgData), &evt); err != nil {
		log.Printf("解析事件失败: %v", err)
		r.moveToDeadLetter(msgData)
		return
	}

	log.Printf("处理事件: 类型=%s, MessageID=%s", evt.Type, evt.MessageID)

	if err := r.processHandler(evt); err != nil {
		log.Printf("处理事件失败: %v", err)

		retries, _ := r.client.HGet(r.ctx, RetriesHashName, evt.MessageID).Int()

		if retries >= r.maxRetries {
			log.Printf("事件 %s 超过最大重试次数，移至死信队列", evt.MessageID)
			r.moveToDeadLetter(msgData)
			return
		}

		r.client.HIncrBy(r.ctx, RetriesHashName, evt.MessageID, 1)

		evt.Timestamp = time.Now().Unix()
		updatedData, _ := evt.ToJSON()

		time.AfterFunc(r.retryDelay, func() {
			r.client.LPush(r.ctx, MainQueueName, updatedData)
			log.Printf("事件 %s 重新入队，重试次数: %d", evt.MessageID, retries+1)
		})
	} else {
		log.Printf("事件处理成功: %s", evt.MessageID)
	}

	// 无论成功失败都从处理中队列移除
	r.client.LRem(r.ctx, ProcessingQueueName, 1, msgData)
}

func (r *RedisMQ) moveToDeadLetter(msgData string) {
	r.client.LPush(r.ctx, DeadLetterQueueName, msgData)
	r.client.LRem(r.ctx, ProcessingQueueName, 1, msgData)
}

// RetryDeadLetters 将死信队列中的事件移回主队列
func (r *RedisMQ) RetryDeadLetters() error {
	messages, err := r.client.LRange(r.ctx, DeadLetterQueueName, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("获取死信队列事件失败: %v", err)
	}

	count := 0
	for _, msgData := range messages {
		if err := r.client.LPush(r.ctx, MainQueueName, msgData).Err(); err != nil {
			log.Printf("重新入队事件失败: %v", err)
			continue
		}

		r.client.LRem(r.ctx, DeadLetterQueueName, 1, msgData)

		// 重置重试计数
		var evt models.Event
		if json.Unmarshal([]byte(msgData), &evt) == nil {
			r.client.HDel(r.ctx, RetriesHashName, evt.MessageID)
		}

		count++
	}

	log.Printf("成功将 %d 条事件从死信队列移回主队列", count)
	return nil
}

// GetQueueStats 获取各队列的消息数量统计
func (r *RedisMQ) GetQueueStats() map[string]int64 {
	stats := make(map[string]int64)

	mainLen, _ := r.client.LLen(r.ctx, MainQueueName).Result()
	procLen, _ := r.client.LLen(r.ctx, ProcessingQueueName).Result()
	deadLen, _ := r.client.LLen(r.ctx, DeadLetterQueueName).Result()

	stats["main_queue"] = mainLen
	stats["processing_queue"] = procLen
	stats["dead_letter_queue"] = deadLen

	return stats
}

// ClearAllQueues 清空所有队列（仅用于测试）
func (r *RedisMQ) ClearAllQueues() error {
	err := r.client.Del(r.ctx, MainQueueName, ProcessingQueueName, DeadLetterQueueName, RetriesHashName, ProcessedSetName).Err()
	if err != nil {
		return fmt.Errorf("清空队列失败: %v", err)
	}
	return nil
}
