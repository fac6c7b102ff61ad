package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/d60-Lab/community-realtime/internal/model"
)

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]*model.User, error)
	// SearchByName 按名称模糊搜索（不区分大小写）
	SearchByName(ctx context.Context, query string, limit int) ([]*model.User, error)
}

type userRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &userRepository{db: db} }

func (r *userRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepository) GetByIDs(ctx context.Context, ids []string) (map[string]*model.User, error) {
	res := make(map[string]*model.User, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	var users []*model.User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		res[u.ID] = u
	}
	return res, nil
}

func (r *userRepository) SearchByName(ctx context.Context, query string, limit int) ([]*model.User, error) {
	if limit <= 0 {
		limit = 10
	}
	var res []*model.User
	err := r.db.WithContext(ctx).
		Where("LOWER(full_name) LIKE LOWER(?)", "%"+query+"%").
		Limit(limit).
		Find(&res).Error
	return res, err
}
