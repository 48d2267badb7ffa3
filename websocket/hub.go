package websocket

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"poll-ledger-backend/models"
)

// TallyUpdate 推送给订阅者的计票快照消息
type TallyUpdate struct {
	Type    string             `json:"type"`
	PollID  int64              `json:"poll_id"`
	Tallies models.PollTallies `json:"tallies"`
}

// ToJSON 将消息转换为JSON字节数组
func (m *TallyUpdate) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Client 代表一个WebSocket连接客户端
type Client struct {
	// 订阅的投票ID
	PollID int64

	// WebSocket连接
	conn *websocket.Conn

	// 消息发送通道
	send chan []byte
}

// Hub 维护按投票ID分组的订阅客户端，并向其广播计票更新
type Hub struct {
	clients map[int64]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex
}

// NewHub 创建一个新的Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run 启动Hub消息处理循环
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[client.PollID]; !ok {
				h.clients[client.PollID] = make(map[*Client]bool)
			}
			h.clients[client.PollID][client] = true
			total := len(h.clients[client.PollID])
			h.mu.Unlock()
			log.Printf("投票 %d 新增订阅，当前订阅数: %d", client.PollID, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.PollID]; ok {
				if _, ok := h.clients[client.PollID][client]; ok {
					delete(h.clients[client.PollID], client)
					close(client.send)
					if len(h.clients[client.PollID]) == 0 {
						delete(h.clients, client.PollID)
					}
				}
			}
			h.mu.Unlock()
			log.Printf("投票 %d 订阅已注销", client.PollID)
		}
	}
}

// BroadcastTallies 向订阅了该投票的所有客户端推送计票快照。
// 发送非阻塞，读锁覆盖整个遍历，与Run中的增删互斥；
// 缓冲已满的连接先记下来，遍历结束后在写锁下统一放弃。
func (h *Hub) BroadcastTallies(pollID int64, msgType string, tallies models.PollTallies) {
	msg := TallyUpdate{
		Type:    msgType,
		PollID:  pollID,
		Tallies: tallies,
	}
	payload, err := msg.ToJSON()
	if err != nil {
		log.Printf("序列化计票消息失败: %v", err)
		return
	}

	var stale []*Client
	h.mu.RLock()
	for client := range h.clients[pollID] {
		select {
		case client.send <- payload:
		default:
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	h.mu.Lock()
	for _, client := range stale {
		if _, ok := h.clients[pollID][client]; ok {
			delete(h.clients[pollID], client)
			close(client.send)
		}
	}
	if len(h.clients[pollID]) == 0 {
		delete(h.clients, pollID)
	}
	h.mu.Unlock()
}

// RegisterClient 注册客户端到Hub
func (h *Hub) RegisterClient(client *Client) {
	h.register <- client
}

// UnregisterClient 从Hub中注销客户端
func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}
