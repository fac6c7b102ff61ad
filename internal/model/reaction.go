package model

import "time"

// Reaction 消息表情回应；存在即回应
// idx_react_key = (message_id, user_id, emoji)：同一用户对同一消息
// 可持有多个不同 emoji，每个 emoji 至多一条
type Reaction struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	MessageID string `gorm:"type:varchar(36);index:idx_react_msg;index:idx_react_key,unique;not null"`
	UserID    string `gorm:"type:varchar(36);not null;index:idx_react_key,unique"`
	Emoji     string `gorm:"type:varchar(16);not null;index:idx_react_key,unique"`
	CreatedAt time.Time
}

func (Reaction) TableName() string { return "message_reactions" }
