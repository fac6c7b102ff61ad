package model

import "time"

// Comment 帖子评论；ParentID 为空表示根评论，同帖内构成评论森林
type Comment struct {
	ID        string  `gorm:"primaryKey;type:varchar(36)"`
	PostID    string  `gorm:"type:varchar(36);index:idx_comment_post;not null"`
	AuthorID  string  `gorm:"type:varchar(36);not null"`
	ParentID  *string `gorm:"type:varchar(36);index:idx_comment_parent"`
	Content   string  `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (Comment) TableName() string { return "post_comments" }
