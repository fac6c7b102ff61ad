package optimistic

import (
	"sync"
	"time"
)

// Kind 乐观变更的变体标签
type Kind int

const (
	KindLike Kind = iota + 1
	KindReaction
	KindRead
)

// Status 操作状态
type Status int

const (
	StatusPending Status = iota + 1
	StatusConfirmed
	StatusRolledBack
)

// Key 待决操作键：同一 (实体, 变更类型, 限定符) 同时至多一个在途操作。
// Qualifier 用于区分同实体的并列变体（回应的 emoji）。
type Key struct {
	EntityID  string
	Kind      Kind
	Qualifier string
}

// Operation 在途乐观操作：先前值 / 提议值 / 状态
type Operation struct {
	Key       Key
	Prev      bool // 变更前的关系存在性
	Next      bool // 提议的关系存在性
	Status    Status
	StartedAt time.Time
}

// Registry 待决操作注册表；协调器与聚合器共享，
// 用于把自己写入触发的变更事件识别为确认而不是二次应用。
type Registry struct {
	mu       sync.Mutex
	ops      map[Key]*Operation
	external map[Key]time.Time // 每键最近一次外部事件的服务端时间戳
}

func NewRegistry() *Registry {
	return &Registry{
		ops:      make(map[Key]*Operation),
		external: make(map[Key]time.Time),
	}
}

// Begin 登记在途操作；该键已有待决操作时返回 false（重复触发被忽略而非排队）
func (r *Registry) Begin(key Key, prev, next bool) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[key]; exists {
		return nil, false
	}
	op := &Operation{Key: key, Prev: prev, Next: next, Status: StatusPending, StartedAt: time.Now()}
	r.ops[key] = op
	return op, true
}

// Confirm 将待决操作置为已确认并移除；无待决操作时返回 nil
func (r *Registry) Confirm(key Key) *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[key]
	if !ok {
		return nil
	}
	delete(r.ops, key)
	op.Status = StatusConfirmed
	return op
}

// Rollback 将待决操作置为已回滚并移除。
// 若该键在操作开始后已收到更新的外部事件（last-writer-wins），
// 回滚被废弃以免覆盖更新的数据：返回 (op, false)。
func (r *Registry) Rollback(key Key) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[key]
	if !ok {
		return nil, false
	}
	delete(r.ops, key)
	if at, seen := r.external[key]; seen && at.After(op.StartedAt) {
		op.Status = StatusConfirmed
		return op, false
	}
	op.Status = StatusRolledBack
	return op, true
}

// Pending 查询该键是否有在途操作
func (r *Registry) Pending(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ops[key]
	return ok
}

// MatchConfirm 聚合器收到 viewer 自己行的变更事件时调用：
// 存在匹配的待决操作则视为确认（返回 true，事件对计数是 no-op）。
func (r *Registry) MatchConfirm(key Key) bool {
	return r.Confirm(key) != nil
}

// NoteExternal 记录该键最近一次外部变更的服务端时间戳
func (r *Registry) NoteExternal(key Key, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.external[key]; !ok || at.After(cur) {
		r.external[key] = at
	}
}
