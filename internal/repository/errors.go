package repository

import "errors"

var (
	// ErrConflict 唯一约束冲突；对 toggle 类写入是预期结果
	ErrConflict = errors.New("unique constraint conflict")
	// ErrNotFound 目标行不存在
	ErrNotFound = errors.New("record not found")
)
