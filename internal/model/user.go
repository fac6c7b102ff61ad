package model

import "time"

// User 用户资料投影（认证在外部系统）
type User struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	FullName  string `gorm:"type:varchar(128);index:idx_user_name"`
	AvatarURL string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }
