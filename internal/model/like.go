package model

import "time"

// Like 点赞关系；存在即点赞
// idx_like_pair = (post_id, user_id) 复合唯一键，重复插入是预期结果而非错误
type Like struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	PostID    string `gorm:"type:varchar(36);index:idx_like_post;index:idx_like_pair,unique;not null"`
	UserID    string `gorm:"type:varchar(36);not null;index:idx_like_pair,unique"`
	CreatedAt time.Time
}

func (Like) TableName() string { return "post_likes" }
