package stream

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Op 行级变更类型
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event 行级变更事件；投递语义为至少一次，消费端按行主键/事件 ID 幂等合并。
// At 为服务端时间戳，用于 last-writer-wins 判定。
type Event struct {
	ID     string          `json:"id"`
	Table  string          `json:"table"`
	Op     Op              `json:"op"`
	Row    json.RawMessage `json:"row"`
	OldRow json.RawMessage `json:"old_row,omitempty"`
	At     time.Time       `json:"at"`
}

// NewEvent 构造事件并序列化行数据
func NewEvent(table string, op Op, row any) (Event, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:    uuid.New().String(),
		Table: table,
		Op:    op,
		Row:   payload,
		At:    time.Now(),
	}, nil
}

// Decode 反序列化 Row 到目标结构
func (e Event) Decode(v any) error { return json.Unmarshal(e.Row, v) }

// 逻辑作用域：feed 全局一条流，会话各一条，回应全局一条（与源系统订阅粒度一致）
func FeedScope() string                      { return "feed" }
func RoomScope(conversationID string) string { return "room:" + conversationID }
func ReactionScope() string                  { return "reactions" }
