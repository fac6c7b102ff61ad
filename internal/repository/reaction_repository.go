package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/community-realtime/internal/model"
)

type ReactionRepository interface {
	// Insert 写入回应；(message, user, emoji) 已存在时返回 ErrConflict
	Insert(ctx context.Context, messageID, userID, emoji string) (*model.Reaction, error)
	// Delete 删除回应并返回被删行；不存在返回 ErrNotFound
	Delete(ctx context.Context, messageID, userID, emoji string) (*model.Reaction, error)
	ListByMessages(ctx context.Context, messageIDs []string) ([]*model.Reaction, error)
}

type reactionRepository struct{ db *gorm.DB }

func NewReactionRepository(db *gorm.DB) ReactionRepository { return &reactionRepository{db: db} }

func (r *reactionRepository) Insert(ctx context.Context, messageID, userID, emoji string) (*model.Reaction, error) {
	re := &model.Reaction{ID: uuid.New().String(), MessageID: messageID, UserID: userID, Emoji: emoji}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(re)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}
	return re, nil
}

func (r *reactionRepository) Delete(ctx context.Context, messageID, userID, emoji string) (*model.Reaction, error) {
	var re model.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		First(&re).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Delete(&model.Reaction{}, "id = ?", re.ID).Error; err != nil {
		return nil, err
	}
	return &re, nil
}

func (r *reactionRepository) ListByMessages(ctx context.Context, messageIDs []string) ([]*model.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var res []*model.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("created_at").
		Find(&res).Error
	return res, err
}
