package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"poll-ledger-backend/models"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
)

// 全局RocketMQ生产者状态
var (
	rocketProducer rocketmq.Producer
	rocketConsumer rocketmq.PushConsumer
	rocketInitOnce sync.Once
	rocketReady    bool

	// 消费端幂等：已处理事件ID映射
	processedEvents      = make(map[string]bool)
	processedEventsMutex sync.RWMutex
)

// 主题常量
const TopicPollEvents = "poll_ledger_events"

// InitRocketMQ 初始化RocketMQ生产者，连接失败时返回错误，由适配器回退
func InitRocketMQ() error {
	var initErr error

	rocketInitOnce.Do(func() {
		nameServerAddr := os.Getenv("ROCKETMQ_NAMESRV_ADDR")
		if nameServerAddr == "" {
			nameServerAddr = "localhost:9876"
		}

		log.Printf("初始化RocketMQ连接, 地址: %s", nameServerAddr)

		p, err := rocketmq.NewProducer(
			producer.WithNameServer([]string{nameServerAddr}),
			producer.WithGroupName("poll_event_producer"),
			producer.WithRetry(2),
			producer.WithSendMsgTimeout(time.Second*10),
			producer.WithVIPChannel(false),
		)
		if err != nil {
			initErr = fmt.Errorf("创建RocketMQ生产者失败: %v", err)
			return
		}

		if err := p.Start(); err != nil {
			initErr = fmt.Errorf("启动RocketMQ生产者失败: %v", err)
			return
		}

		rocketProducer = p
		rocketReady = true
		log.Println("RocketMQ生产者初始化成功")
	})

	return initErr
}

func isEventProcessed(messageID string) bool {
	processedEventsMutex.RLock()
	defer processedEventsMutex.RUnlock()
	return processedEvents[messageID]
}

func markEventProcessed(messageID string) {
	processedEventsMutex.Lock()
	processedEvents[messageID] = true
	processedEventsMutex.Unlock()

	// 24小时后清除记录，避免映射无限增长
	go func(id string) {
		time.Sleep(24 * time.Hour)
		processedEventsMutex.Lock()
		delete(processedEvents, id)
		processedEventsMutex.Unlock()
	}(messageID)
}

// PublishRocketEvent 发送事件到RocketMQ。以事件类型作为Tag，
// MessageID作为Key用于去重追踪。
func PublishRocketEvent(evt models.Event) error {
	if !rocketReady {
		return fmt.Errorf("RocketMQ生产者未初始化")
	}

	body, err := evt.ToJSON()
	if err != nil {
		return fmt.Errorf("序列化事件失败: %v", err)
	}

	message := primitive.NewMessage(TopicPollEvents, body)
	message.WithTag(evt.Type)
	message.WithKeys([]string{evt.MessageID})

	res, err := rocketProducer.SendSync(context.Background(), message)
	if err != nil {
		return fmt.Errorf("发送事件失败: %v", err)
	}

	log.Printf("事件发送成功, MsgID: %s, MessageID: %s", res.MsgID, evt.MessageID)
	return nil
}

// StartRocketConsumer 启动事件消费者，订阅全部事件类型
func StartRocketConsumer(processFunc func(evt models.Event) error) error {
	nameServerAddr := os.Getenv("ROCKETMQ_NAMESRV_ADDR")
	if nameServerAddr == "" {
		nameServerAddr = "localhost:9876"
	}

	c, err := rocketmq.NewPushConsumer(
		consumer.WithNameServer([]string{nameServerAddr}),
		consumer.WithGroupName("poll_event_consumer"),
		consumer.WithConsumerModel(consumer.Clustering),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset),
	)
	if err != nil {
		return fmt.Errorf("创建事件消费者失败: %v", err)
	}

	err = c.Subscribe(TopicPollEvents, consumer.MessageSelector{},
		func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
			for _, msg := range msgs {
				var evt models.Event
				if err := json.Unmarshal(msg.Body, &evt); err != nil {
					log.Printf("解析事件失败: %v", err)
					continue
				}

				// 幂等性检查
				if isEventProcessed(evt.MessageID) {
					log.Printf("事件已处理过，跳过: %s", evt.MessageID)
					continue
				}

				log.Printf("收到事件: 类型=%s, MessageID=%s", evt.Type, evt.MessageID)

				if err := processFunc(evt); err != nil {
					log.Printf("处理事件失败: %v", err)
					return consumer.ConsumeRetryLater, nil
				}

				markEventProcessed(evt.MessageID)
			}
			return consumer.ConsumeSuccess, nil
		})
	if err != nil {
		return fmt.Errorf("订阅主题失败: %v", err)
	}

	if err = c.Start(); err != nil {
		return fmt.Errorf("启动消费者失败: %v", err)
	}

	rocketConsumer = c
	log.Println("事件消费者启动成功")
	return nil
}

// CloseRocketMQ 关闭RocketMQ连接
func CloseRocketMQ() {
	if rocketConsumer != nil {
		if err := rocketConsumer.Shutdown(); err != nil {
			log.Printf("关闭RocketMQ消费者失败: %v", err)
		}
	}
	if rocketProducer != nil {
		if err := rocketProducer.Shutdown(); err != nil {
			log.Printf("关闭RocketMQ生产者失败: %v", err)
		} else {
			log.Println("RocketMQ生产者已关闭")
		}
	}
}
