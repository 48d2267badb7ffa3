package websocket

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"poll-ledger-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTallies(pollID int64) models.PollTallies {
	return models.PollTallies{
		PollID:     pollID,
		TotalVotes: 1,
		IsActive:   true,
		Options: []models.OptionTally{
			{Index: 0, Text: "a", Votes: 1, Percentage: 100},
		},
	}
}

func TestHub_BroadcastDeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := &Client{PollID: 7, send: make(chan []byte, 1)}
	hub.RegisterClient(client)
	// Run单协程处理注册，第二次注册返回时第一个客户端必然已入表
	other := &Client{PollID: 7, send: make(chan []byte, 1)}
	hub.RegisterClient(other)

	hub.BroadcastTallies(7, "tally_update", sampleTallies(7))

	select {
	case payload := <-client.send:
		var msg TallyUpdate
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, "tally_update", msg.Type)
		assert.Equal(t, int64(7), msg.PollID)
		assert.Equal(t, int64(1), msg.Tallies.TotalVotes)
	case <-time.After(time.Second):
		t.Fatal("未收到广播消息")
	}
}

func TestHub_DropsClientsWithFullBuffers(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	// 无缓冲通道模拟发送积压的连接
	stuck := &Client{PollID: 3, send: make(chan []byte)}
	hub.RegisterClient(stuck)
	healthy := &Client{PollID: 3, send: make(chan []byte, 1)}
	hub.RegisterClient(healthy)
	marker := &Client{PollID: 99, send: make(chan []byte, 1)}
	hub.RegisterClient(marker)

	hub.BroadcastTallies(3, "tally_update", sampleTallies(3))

	// 积压连接被放弃且通道已关闭，正常连接仍收到消息
	_, ok := <-stuck.send
	assert.False(t, ok)

	select {
	case <-healthy.send:
	case <-time.After(time.Second):
		t.Fatal("正常连接未收到广播消息")
	}
}

// 广播遍历与订阅增删并发执行时不得触发map并发读写
func TestHub_ConcurrentRegisterAndBroadcast(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			client := &Client{PollID: 1, send: make(chan []byte, 1)}
			hub.RegisterClient(client)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			client := &Client{PollID: 1, send: make(chan []byte, 1)}
			hub.RegisterClient(client)
			hub.UnregisterClient(client)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			hub.BroadcastTallies(1, "tally_update", sampleTallies(1))
		}
	}()

	wg.Wait()
}
