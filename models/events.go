package models

import "encoding/json"

// 事件类型常量
const (
	EventPollCreated = "poll_created"
	EventVoteCast    = "vote_cast"
	EventPollClosed  = "poll_closed"
)

// Event 事件信封，携带类型、消息ID和具体负载，供消息队列和审计消费者使用
type Event struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"` // 用于幂等性处理
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ToJSON 将事件转换为JSON字节数组
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent 序列化负载并构造事件信封。MessageID 由发布方在入队前补齐。
func NewEvent(eventType string, timestamp int64, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: timestamp,
		Payload:   raw,
	}, nil
}

// PollCreatedEvent is emitted once per successful CreatePoll.
type PollCreatedEvent struct {
	PollID      int64  `json:"poll_id"`
	Creator     string `json:"creator"`
	Description string `json:"description"`
	StartTime   int64  `json:"start_time"`
	EndTime     int64  `json:"end_time"`
}

// VoteCastEvent is emitted once per admitted vote.
type VoteCastEvent struct {
	PollID      int64  `json:"poll_id"`
	Voter       string `json:"voter"`
	OptionIndex int    `json:"option_index"`
	Timestamp   int64  `json:"timestamp"`
}

// PollClosedEvent is emitted when the creator closes a poll early.
type PollClosedEvent struct {
	PollID int64  `json:"poll_id"`
	Closer string `json:"closer"`
}
