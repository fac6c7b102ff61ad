package model

import "time"

// Conversation 会话；UpdatedAt 仅作"最近活跃"排序键
type Conversation struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index:idx_conv_updated"`
}

func (Conversation) TableName() string { return "conversations" }

// ConversationParticipant 会话成员；建会后不可增删
// idx_part_pair = (conversation_id, user_id)
type ConversationParticipant struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	ConversationID string `gorm:"type:varchar(36);index:idx_part_conv;index:idx_part_pair,unique;not null"`
	UserID         string `gorm:"type:varchar(36);index:idx_part_user;not null;index:idx_part_pair,unique"`
	CreatedAt      time.Time
}

func (ConversationParticipant) TableName() string { return "conversation_participants" }
