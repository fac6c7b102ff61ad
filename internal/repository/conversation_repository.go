package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/community-realtime/internal/model"
)

type ConversationRepository interface {
	// FindOrCreatePair 按成员对幂等建会：已有则返回现有会话
	FindOrCreatePair(ctx context.Context, userA, userB string) (*model.Conversation, error)
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	// ListByUser 按 updated_at 倒序返回用户参与的会话
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]*model.Conversation, error)
	Participants(ctx context.Context, conversationID string) ([]*model.ConversationParticipant, error)
	// Touch 推进排序键
	Touch(ctx context.Context, id string, at time.Time) error
}

type conversationRepository struct{ db *gorm.DB }

func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) FindOrCreatePair(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existingID string
		// 两人共同参与的会话即为该对的会话（本范围内成员不可变）
		err := tx.Raw(`
            SELECT a.conversation_id
            FROM conversation_participants a
            JOIN conversation_participants b ON a.conversation_id = b.conversation_id
            WHERE a.user_id = ? AND b.user_id = ?
            LIMIT 1
        `, userA, userB).Scan(&existingID).Error
		if err != nil {
			return err
		}
		if existingID != "" {
			return tx.Where("id = ?", existingID).First(&conv).Error
		}
		now := time.Now()
		conv = model.Conversation{ID: uuid.New().String(), CreatedAt: now, UpdatedAt: now}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		parts := []model.ConversationParticipant{
			{ID: uuid.New().String(), ConversationID: conv.ID, UserID: userA, CreatedAt: now},
			{ID: uuid.New().String(), ConversationID: conv.ID, UserID: userB, CreatedAt: now},
		}
		return tx.Create(&parts).Error
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*model.Conversation, error) {
	var res []*model.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN conversation_participants p ON p.conversation_id = conversations.id").
		Where("p.user_id = ?", userID).
		Order("conversations.updated_at DESC").
		Offset(offset).Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *conversationRepository) Participants(ctx context.Context, conversationID string) ([]*model.ConversationParticipant, error) {
	var res []*model.ConversationParticipant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Find(&res).Error
	return res, err
}

func (r *conversationRepository) Touch(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", at).Error
}
