package presence

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// GlobalScope 全站"谁在线"作用域（与按会话作用域相互独立）
const GlobalScope = "online-users"

// Handle 一次 Join 的句柄；Leave 幂等
type Handle struct {
	t      *Tracker
	selfID string
	reg    *Registry
	once   sync.Once
}

// IsOnline 查询该作用域下用户是否在线
func (h *Handle) IsOnline(userID string) bool { return h.t.IsOnline(userID) }

// Leave 停止发布心跳并释放引用；作用域无引用时关停共享 tracker
func (h *Handle) Leave() {
	h.once.Do(func() { h.reg.release(h) })
}

// Registry 按逻辑作用域共享 tracker 并做引用计数：
// N 个打开的会话视图共享同一条全局 presence 通道，而不是各开一条。
type Registry struct {
	rdb      *redis.Client
	interval time.Duration
	window   time.Duration

	mu       sync.Mutex
	trackers map[string]*entry
}

type entry struct {
	t    *Tracker
	refs int
}

func NewRegistry(rdb *redis.Client, heartbeatInterval, freshnessWindow time.Duration) *Registry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}
	if freshnessWindow < 2*heartbeatInterval {
		// 窗口必须容忍至少一次心跳丢失
		freshnessWindow = 2*heartbeatInterval + heartbeatInterval/2
	}
	return &Registry{
		rdb:      rdb,
		interval: heartbeatInterval,
		window:   freshnessWindow,
		trackers: make(map[string]*entry),
	}
}

// Join 加入作用域：开始以 selfID 发布心跳并返回可读句柄
func (r *Registry) Join(ctx context.Context, scope, selfID string) *Handle {
	r.mu.Lock()
	e, ok := r.trackers[scope]
	if !ok {
		e = &entry{t: newTracker(r.rdb, scope, r.interval, r.window)}
		r.trackers[scope] = e
		e.t.start(ctx)
	}
	e.refs++
	r.mu.Unlock()

	e.t.addPublisher(selfID)
	return &Handle{t: e.t, selfID: selfID, reg: r}
}

// Peek 只读查询：作用域无 tracker 时视为离线
func (r *Registry) Peek(scope, userID string) bool {
	r.mu.Lock()
	e, ok := r.trackers[scope]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return e.t.IsOnline(userID)
}

func (r *Registry) release(h *Handle) {
	h.t.removePublisher(h.selfID)

	r.mu.Lock()
	e, ok := r.trackers[h.t.scope]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.trackers, h.t.scope)
	r.mu.Unlock()

	e.t.close()
}

// Close 关停全部 tracker
func (r *Registry) Close() {
	r.mu.Lock()
	es := make([]*entry, 0, len(r.trackers))
	for scope, e := range r.trackers {
		es = append(es, e)
		delete(r.trackers, scope)
	}
	r.mu.Unlock()
	for _, e := range es {
		e.t.close()
	}
}
