package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/community-realtime/internal/model"
)

type PostRepository interface {
	Create(ctx context.Context, post *model.Post, media []model.PostMedia) error
	GetByID(ctx context.Context, id string) (*model.Post, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]*model.Post, error)
	ListVisible(ctx context.Context, offset, limit int) ([]*model.Post, error)
	IncrementLikeCount(ctx context.Context, id string, delta int64) error
	IncrementCommentCount(ctx context.Context, id string, delta int64) error
	SetVisibility(ctx context.Context, id string, visible bool) error
	MediaByPostIDs(ctx context.Context, postIDs []string) (map[string][]model.PostMedia, error)
}

type postRepository struct{ db *gorm.DB }

func NewPostRepository(db *gorm.DB) PostRepository { return &postRepository{db: db} }

func (r *postRepository) Create(ctx context.Context, post *model.Post, media []model.PostMedia) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(post).Error; err != nil {
			return err
		}
		if len(media) > 0 {
			if err := tx.Create(&media).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *postRepository) GetByID(ctx context.Context, id string) (*model.Post, error) {
	var post model.Post
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) GetByIDs(ctx context.Context, ids []string) (map[string]*model.Post, error) {
	res := make(map[string]*model.Post, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	var posts []*model.Post
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&posts).Error; err != nil {
		return nil, err
	}
	for _, p := range posts {
		res[p.ID] = p
	}
	return res, nil
}

func (r *postRepository) ListVisible(ctx context.Context, offset, limit int) ([]*model.Post, error) {
	var posts []*model.Post
	err := r.db.WithContext(ctx).
		Where("is_visible = ?", true).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&posts).Error
	return posts, err
}

// IncrementLikeCount 受控自增；冗余计数仅通过该路径修改
func (r *postRepository) IncrementLikeCount(ctx context.Context, id string, delta int64) error {
	return r.db.WithContext(ctx).Model(&model.Post{}).
		Where("id = ?", id).
		UpdateColumn("like_count", gorm.Expr("like_count + ?", delta)).Error
}

func (r *postRepository) IncrementCommentCount(ctx context.Context, id string, delta int64) error {
	return r.db.WithContext(ctx).Model(&model.Post{}).
		Where("id = ?", id).
		UpdateColumn("comment_count", gorm.Expr("comment_count + ?", delta)).Error
}

func (r *postRepository) SetVisibility(ctx context.Context, id string, visible bool) error {
	return r.db.WithContext(ctx).Model(&model.Post{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_visible": visible, "updated_at": time.Now()}).Error
}

func (r *postRepository) MediaByPostIDs(ctx context.Context, postIDs []string) (map[string][]model.PostMedia, error) {
	res := make(map[string][]model.PostMedia, len(postIDs))
	if len(postIDs) == 0 {
		return res, nil
	}
	var rows []model.PostMedia
	if err := r.db.WithContext(ctx).Where("post_id IN ?", postIDs).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, m := range rows {
		res[m.PostID] = append(res[m.PostID], m)
	}
	return res, nil
}
