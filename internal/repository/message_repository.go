package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/d60-Lab/community-realtime/internal/model"
)

type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) error
	// ListByConversation 按创建时间升序
	ListByConversation(ctx context.Context, conversationID string) ([]*model.Message, error)
	// MarkRead 将对端发来的未读消息置为已读，返回更新后的消息行
	MarkRead(ctx context.Context, conversationID, readerID string) ([]*model.Message, error)
}

type messageRepository struct{ db *gorm.DB }

func NewMessageRepository(db *gorm.DB) MessageRepository { return &messageRepository{db: db} }

func (r *messageRepository) Create(ctx context.Context, msg *model.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string) ([]*model.Message, error) {
	var res []*model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&res).Error
	return res, err
}

func (r *messageRepository) MarkRead(ctx context.Context, conversationID, readerID string) ([]*model.Message, error) {
	var rows []*model.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, readerID, false).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		for i, m := range rows {
			ids[i] = m.ID
		}
		return tx.Model(&model.Message{}).
			Where("id IN ?", ids).
			UpdateColumn("is_read", true).Error
	})
	if err != nil {
		return nil, err
	}
	for _, m := range rows {
		m.IsRead = true
	}
	return rows, nil
}
