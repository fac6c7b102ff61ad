package model

import "time"

// Post 社区帖子；like_count / comment_count 为冗余计数，
// 只允许通过受控自增修改，点赞关系行才是事实来源
type Post struct {
	ID           string `gorm:"primaryKey;type:varchar(36)"`
	AuthorID     string `gorm:"type:varchar(36);index:idx_post_author;not null"`
	Content      string `gorm:"type:text"`
	LikeCount    int64  `gorm:"not null;default:0"`
	CommentCount int64  `gorm:"not null;default:0"`
	IsVisible    bool   `gorm:"not null;default:true;index:idx_post_visible"`
	CreatedAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

func (Post) TableName() string { return "community_posts" }

// PostMedia 帖子附件
type PostMedia struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	PostID    string `gorm:"type:varchar(36);index:idx_media_post;not null"`
	MediaURL  string `gorm:"type:text;not null"`
	MediaType string `gorm:"type:varchar(16)"` // image, video
	CreatedAt time.Time
}

func (PostMedia) TableName() string { return "post_media" }
