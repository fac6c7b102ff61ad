package model

import "time"

// Message 会话消息；ReferencedPostID 为转发帖子时携带的帖子 ID
type Message struct {
	ID               string  `gorm:"primaryKey;type:varchar(36)"`
	ConversationID   string  `gorm:"type:varchar(36);index:idx_msg_conv;not null"`
	SenderID         string  `gorm:"type:varchar(36);not null"`
	Content          string  `gorm:"type:text"`
	ReferencedPostID *string `gorm:"type:varchar(36)"`
	IsRead           bool    `gorm:"not null;default:false"`
	CreatedAt        time.Time `gorm:"index:idx_msg_conv_created"`
}

func (Message) TableName() string { return "messages" }
