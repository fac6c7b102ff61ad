package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/community-realtime/internal/model"
)

type LikeRepository interface {
	// Insert 写入点赞；已存在时返回 ErrConflict（存在即事实，冲突不是故障）
	Insert(ctx context.Context, postID, userID string) (*model.Like, error)
	// Delete 删除点赞并返回被删行；不存在返回 ErrNotFound
	Delete(ctx context.Context, postID, userID string) (*model.Like, error)
	Exists(ctx context.Context, postID, userID string) (bool, error)
	// ListUserLikes 取 viewer 在给定帖子集合上的点赞行，用于聚合标注
	ListUserLikes(ctx context.Context, userID string, postIDs []string) ([]*model.Like, error)
}

type likeRepository struct{ db *gorm.DB }

func NewLikeRepository(db *gorm.DB) LikeRepository { return &likeRepository{db: db} }

func (r *likeRepository) Insert(ctx context.Context, postID, userID string) (*model.Like, error) {
	l := &model.Like{ID: uuid.New().String(), PostID: postID, UserID: userID}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(l)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}
	return l, nil
}

func (r *likeRepository) Delete(ctx context.Context, postID, userID string) (*model.Like, error) {
	var l model.Like
	err := r.db.WithContext(ctx).
		Where("post_id = ? AND user_id = ?", postID, userID).
		First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Delete(&model.Like{}, "id = ?", l.ID).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *likeRepository) Exists(ctx context.Context, postID, userID string) (bool, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).
		Model(&model.Like{}).
		Where("post_id = ? AND user_id = ?", postID, userID).
		Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

func (r *likeRepository) ListUserLikes(ctx context.Context, userID string, postIDs []string) ([]*model.Like, error) {
	if len(postIDs) == 0 {
		return nil, nil
	}
	var res []*model.Like
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND post_id IN ?", userID, postIDs).
		Find(&res).Error
	return res, err
}
