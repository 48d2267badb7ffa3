package websocket

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"poll-ledger-backend/registry"
)

const (
	// 写入超时
	writeWait = 10 * time.Second

	// 读取超时
	pongWait = 60 * time.Second

	// 发送ping间隔时间，必须小于pongWait
	pingPeriod = (pongWait * 9) / 10

	// 最大消息大小
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 允许所有跨域请求，生产环境应限制
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler WebSocket处理器
type Handler struct {
	hub      *Hub
	registry *registry.PollRegistry
}

// NewHandler 创建WebSocket处理器
func NewHandler(hub *Hub, reg *registry.PollRegistry) *Handler {
	return &Handler{hub: hub, registry: reg}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws/polls/:id", h.HandleWebSocketConnection)
}

// HandleWebSocketConnection 处理WebSocket订阅请求。
// 先确认投票存在，再升级连接并推送一份当前计票快照。
func (h *Handler) HandleWebSocketConnection(c *gin.Context) {
	pollIDStr := c.Param("id")
	pollID, err := strconv.ParseInt(pollIDStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法的投票ID"})
		return
	}

	poll, err := h.registry.GetPoll(context.Background(), pollID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "投票不存在"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("升级WebSocket连接失败: %v", err)
		return
	}

	client := &Client{
		PollID: pollID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}

	h.hub.RegisterClient(client)

	go h.writePump(client)
	go h.readPump(client)

	// 建立连接后立即推送一次当前计票
	if snapshot, err := (&TallyUpdate{
		Type:    "tally_snapshot",
		PollID:  pollID,
		Tallies: poll.Tallies(),
	}).ToJSON(); err == nil {
		client.send <- snapshot
	}

	log.Printf("投票 %d 建立新的WebSocket订阅", pollID)
}

// readPump 从WebSocket连接读取消息。订阅者只接收推送，入站消息仅用于保活。
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.UnregisterClient(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("读取消息错误: %v", err)
			}
			break
		}
	}
}

// writePump 向WebSocket连接发送消息
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := client.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 合并队列中积压的消息
			n := len(client.send)
			for i := 0; i < n; i++ {
				w.Write(<-client.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
