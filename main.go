package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"poll-ledger-backend/cache"
	"poll-ledger-backend/handlers"
	"poll-ledger-backend/ledger"
	"poll-ledger-backend/models"
	"poll-ledger-backend/mq"
	"poll-ledger-backend/registry"
	"poll-ledger-backend/routes"
	"poll-ledger-backend/storage"
	"poll-ledger-backend/websocket"
)

// buildStore 根据 STORE_BACKEND 环境变量选择存储后端，
// mysql 走GORM持久化，其余值使用内存存储
func buildStore() (storage.Store, error) {
	backend := os.Getenv("STORE_BACKEND")
	if backend == "mysql" {
		db, err := storage.OpenMySQL()
		if err != nil {
			return nil, err
		}
		return storage.NewGormStore(db)
	}

	log.Println("使用内存存储")
	return storage.NewMemoryStore(), nil
}

func main() {
	// 初始化存储
	store, err := buildStore()
	if err != nil {
		log.Fatalf("无法初始化存储: %v", err)
	}
	log.Println("存储初始化成功")

	// 初始化Redis连接（失败时自动进入模拟模式）
	if err := cache.InitRedis(); err != nil {
		log.Printf("警告: Redis初始化失败: %v", err)
	}

	// 初始化事件队列适配器
	mqAdapter := mq.NewMQAdapter()
	if err := mqAdapter.Initialize(); err != nil {
		log.Printf("警告: 事件队列初始化失败: %v", err)
	}

	// 初始化核心组件
	reg := registry.NewPollRegistry(store, nil, mqAdapter)
	led := ledger.NewVoteLedger(reg, store, nil, mqAdapter)

	// 初始化WebSocket Hub
	wsHub := websocket.NewHub()
	go wsHub.Run()

	// 事件消费者：计票变化时向订阅者推送最新快照
	err = mqAdapter.RegisterHandler(func(evt models.Event) error {
		return broadcastEvent(reg, wsHub, evt)
	})
	if err != nil {
		log.Printf("警告: 注册事件处理函数失败: %v", err)
	}

	// 初始化HTTP处理器
	bloom := cache.NewPollIDFilter()
	if bloom != nil {
		log.Println("布隆过滤器初始化成功")
	}

	// 预热最近的投票快照，并把已有ID补录进布隆过滤器
	if recent, err := store.RecentPolls(context.Background(), 100); err != nil {
		log.Printf("警告: 读取最近投票失败: %v", err)
	} else if len(recent) > 0 {
		if err := cache.PrewarmPolls(recent); err != nil {
			log.Printf("警告: 缓存预热失败: %v", err)
		}
		if bloom != nil {
			for _, poll := range recent {
				if err := bloom.AddPollID(context.Background(), poll.ID); err != nil {
					log.Printf("警告: 补录投票ID %d 到布隆过滤器失败: %v", poll.ID, err)
				}
			}
		}
		log.Printf("已预热 %d 个投票快照", len(recent))
	}

	h := routes.Handlers{
		Poll:   handlers.NewPollHandler(reg, led, bloom),
		Vote:   handlers.NewVoteHandler(reg, led),
		Health: handlers.NewHealthHandler(mqAdapter),
		WS:     websocket.NewHandler(wsHub, reg),
	}

	router := routes.SetupRouter(h)
	log.Println("路由设置完成")

	srv := routes.StartServer(router)
	log.Println("服务器启动成功")

	log.Printf("事件队列状态: %v", mqAdapter.GetQueueStats())

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("服务器强制关闭: %v", err)
	}

	cache.CloseRedis()
	mqAdapter.Close()

	log.Println("服务器优雅关闭")
}

// broadcastEvent 消费账本事件并向对应投票的订阅者推送计票快照
func broadcastEvent(reg *registry.PollRegistry, hub *websocket.Hub, evt models.Event) error {
	var pollID int64

	switch evt.Type {
	case models.EventVoteCast:
		var payload models.VoteCastEvent
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			log.Printf("解析投票事件失败: %v", err)
			return nil
		}
		pollID = payload.PollID

	case models.EventPollClosed:
		var payload models.PollClosedEvent
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			log.Printf("解析关闭事件失败: %v", err)
			return nil
		}
		pollID = payload.PollID

	default:
		// 创建事件没有订阅者需要通知
		return nil
	}

	poll, err := reg.GetPoll(context.Background(), pollID)
	if err != nil {
		log.Printf("广播时读取投票 %d 失败: %v", pollID, err)
		return err
	}

	hub.BroadcastTallies(pollID, evt.Type, poll.Tallies())
	return nil
}
