package aggregate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/community-realtime/internal/model"
	"github.com/d60-Lab/community-realtime/internal/optimistic"
	"github.com/d60-Lab/community-realtime/internal/stream"
	"github.com/d60-Lab/community-realtime/pkg/logger"
)

// FeedView 一个打开的社区信息流会话。
// 持有权威的内存聚合列表（按时间倒序），所有变更只经 apply 合并；
// 行主键去重，重复投递是 no-op 合并而不是追加。
type FeedView struct {
	viewerID string
	store    FeedStore
	sc       *stream.Client
	coord    *optimistic.Coordinator
	reg      *optimistic.Registry
	pageSize int

	mu       sync.Mutex
	items    []*PostItem
	index    map[string]int      // post id -> 位置
	likeRows map[string]string   // like row id -> post id（已应用的插入）
	removed  map[string]struct{} // 已应用的删除行 id
	closed   bool

	handle *stream.Handle
	wg     sync.WaitGroup
}

// OpenFeed 打开信息流会话：先订阅再装载，避免订阅间隙丢事件
// （装载前已送达的重复事件由行级去重吸收）。
func OpenFeed(ctx context.Context, viewerID string, store FeedStore, sc *stream.Client, coord *optimistic.Coordinator, pageSize int) (*FeedView, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	v := &FeedView{
		viewerID: viewerID,
		store:    store,
		sc:       sc,
		coord:    coord,
		reg:      coord.Registry(),
		pageSize: pageSize,
		index:    make(map[string]int),
		likeRows: make(map[string]string),
		removed:  make(map[string]struct{}),
	}

	h, err := sc.Subscribe(ctx, stream.FeedScope())
	if err != nil {
		return nil, err
	}
	v.handle = h

	items, err := store.LoadFeedPage(ctx, viewerID, 0, pageSize)
	if err != nil {
		sc.Unsubscribe(h)
		return nil, err
	}
	v.mu.Lock()
	for _, it := range items {
		v.items = append(v.items, it)
		v.index[it.Post.ID] = len(v.items) - 1
		if it.ViewerLikeRowID != "" {
			v.likeRows[it.ViewerLikeRowID] = it.Post.ID
		}
	}
	v.mu.Unlock()

	v.wg.Add(1)
	go v.loop()
	return v, nil
}

// Close 同步退订并冻结视图；在途写入照常落定，其回调降级为 no-op
func (v *FeedView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.sc.Unsubscribe(v.handle)
	v.wg.Wait()
}

// Items 返回当前聚合列表的快照
func (v *FeedView) Items() []PostItem {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]PostItem, len(v.items))
	for i, it := range v.items {
		out[i] = *it
	}
	return out
}

// Get 按帖子 ID 取快照
func (v *FeedView) Get(postID string) (PostItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.index[postID]
	if !ok {
		return PostItem{}, false
	}
	return *v.items[i], true
}

// ToggleLike 乐观切换点赞：本地立即生效，权威写入异步落定。
// 同帖已有在途点赞操作时本次触发被忽略（快速双击不会二次累加）。
func (v *FeedView) ToggleLike(ctx context.Context, postID string) (PostItem, bool) {
	v.mu.Lock()
	i, ok := v.index[postID]
	if !ok || v.closed {
		v.mu.Unlock()
		return PostItem{}, false
	}
	desired := !v.items[i].LikedByViewer
	v.mu.Unlock()

	// 乐观值在权威写入启动前落下，落定回调不可能抢先拿锁
	var snap PostItem
	applied := false
	onApply := func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if i, ok := v.index[postID]; ok {
			it := v.items[i]
			it.LikedByViewer = desired
			if desired {
				it.LikeCount++
			} else if it.LikeCount > 0 {
				it.LikeCount--
			}
			snap = *it
			applied = true
		}
	}

	m := &likeMutation{view: v, postID: postID, prev: !desired, next: desired}
	if _, started := v.coord.Apply(ctx, m, onApply, v.resolveLike(m)); !started {
		cur, _ := v.Get(postID)
		return cur, false
	}
	return snap, applied
}

// Resolve 深链解析：不在当前窗口时做定点装载并插入到队首，
// 标注路径与批量装载完全一致。
func (v *FeedView) Resolve(ctx context.Context, postID string) (PostItem, error) {
	v.mu.Lock()
	if i, ok := v.index[postID]; ok {
		snap := *v.items[i]
		v.mu.Unlock()
		return snap, nil
	}
	v.mu.Unlock()

	item, err := v.store.LoadFeedPost(ctx, v.viewerID, postID)
	if err != nil {
		return PostItem{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if i, ok := v.index[postID]; ok {
		// 装载期间事件已把它并进来
		return *v.items[i], nil
	}
	v.spliceFront(item)
	return *item, nil
}

func (v *FeedView) spliceFront(item *PostItem) {
	v.items = append([]*PostItem{item}, v.items...)
	for id, i := range v.index {
		v.index[id] = i + 1
	}
	v.index[item.Post.ID] = 0
	if item.ViewerLikeRowID != "" {
		v.likeRows[item.ViewerLikeRowID] = item.Post.ID
	}
}

func (v *FeedView) loop() {
	defer v.wg.Done()
	for ev := range v.handle.Events() {
		v.apply(ev)
	}
}

func (v *FeedView) apply(ev stream.Event) {
	switch ev.Table {
	case "community_posts":
		v.applyPost(ev)
	case "post_likes":
		v.applyLike(ev)
	}
}

func (v *FeedView) applyPost(ev stream.Event) {
	var p model.Post
	if err := ev.Decode(&p); err != nil {
		logger.Warn("drop malformed post event", zap.Error(err))
		return
	}

	switch ev.Op {
	case stream.OpInsert:
		v.mu.Lock()
		_, known := v.index[p.ID]
		v.mu.Unlock()
		if known {
			v.mergePost(&p)
			return
		}
		// 其他会话发布的新帖：走定点装载补齐标注后插入队首
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		item, err := v.store.LoadFeedPost(ctx, v.viewerID, p.ID)
		cancel()
		if err != nil {
			logger.Warn("enrich incoming post failed", zap.String("post", p.ID), zap.Error(err))
			return
		}
		v.mu.Lock()
		if _, dup := v.index[p.ID]; !dup {
			v.spliceFront(item)
		}
		v.mu.Unlock()
	case stream.OpUpdate:
		v.mergePost(&p)
	case stream.OpDelete:
		v.remove(p.ID)
	}
}

// mergePost 更新就地合并；like_count 在该帖有在途点赞操作时不采纳
// 服务器值（乐观值优先，落定后自然收敛）。
func (v *FeedView) mergePost(p *model.Post) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.index[p.ID]
	if !ok {
		return
	}
	it := v.items[i]
	if !p.IsVisible {
		v.removeLocked(p.ID)
		return
	}
	it.Post.Content = p.Content
	it.Post.IsVisible = p.IsVisible
	it.Post.UpdatedAt = p.UpdatedAt
	it.CommentCount = p.CommentCount
	likeKey := optimistic.Key{EntityID: p.ID, Kind: optimistic.KindLike}
	if !v.reg.Pending(likeKey) {
		it.LikeCount = p.LikeCount
	}
}

func (v *FeedView) remove(postID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeLocked(postID)
}

func (v *FeedView) removeLocked(postID string) {
	i, ok := v.index[postID]
	if !ok {
		return
	}
	v.items = append(v.items[:i], v.items[i+1:]...)
	delete(v.index, postID)
	for id, j := range v.index {
		if j > i {
			v.index[id] = j - 1
		}
	}
}

func (v *FeedView) applyLike(ev stream.Event) {
	var l model.Like
	if err := ev.Decode(&l); err != nil {
		logger.Warn("drop malformed like event", zap.Error(err))
		return
	}
	key := optimistic.Key{EntityID: l.PostID, Kind: optimistic.KindLike}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.Op {
	case stream.OpInsert:
		if _, dup := v.likeRows[l.ID]; dup {
			return // 重复投递，no-op
		}
		i, ok := v.index[l.PostID]
		if !ok {
			return
		}
		v.likeRows[l.ID] = l.PostID
		it := v.items[i]
		if l.UserID == v.viewerID {
			if v.reg.MatchConfirm(key) {
				// 自己在途操作的确认：乐观值已计入，事件是 no-op
				it.LikedByViewer = true
				it.ViewerLikeRowID = l.ID
				return
			}
			v.reg.NoteExternal(key, ev.At)
			if it.LikedByViewer {
				it.ViewerLikeRowID = l.ID
				return
			}
			it.LikedByViewer = true
			it.ViewerLikeRowID = l.ID
		}
		it.LikeCount++
	case stream.OpDelete:
		if _, dup := v.removed[l.ID]; dup {
			return
		}
		v.removed[l.ID] = struct{}{}
		delete(v.likeRows, l.ID)
		i, ok := v.index[l.PostID]
		if !ok {
			return
		}
		it := v.items[i]
		if l.UserID == v.viewerID {
			if v.reg.MatchConfirm(key) {
				it.LikedByViewer = false
				it.ViewerLikeRowID = ""
				return
			}
			v.reg.NoteExternal(key, ev.At)
			if !it.LikedByViewer {
				return
			}
			it.LikedByViewer = false
			it.ViewerLikeRowID = ""
		}
		if it.LikeCount > 0 {
			it.LikeCount--
		}
	}
}

// resolveLike 写入落定回调；会话已关闭时是 no-op
func (v *FeedView) resolveLike(m *likeMutation) func(*optimistic.Operation) {
	return func(op *optimistic.Operation) {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.closed {
			return
		}
		switch op.Status {
		case optimistic.StatusConfirmed:
			// 登记本次写入产生/删除的行，后到的自身事件按行 id 去重
			if m.rowID != "" {
				if op.Next {
					v.likeRows[m.rowID] = m.postID
					if i, ok := v.index[m.postID]; ok {
						v.items[i].ViewerLikeRowID = m.rowID
					}
				} else {
					v.removed[m.rowID] = struct{}{}
				}
			}
		case optimistic.StatusRolledBack:
			i, ok := v.index[m.postID]
			if !ok {
				return
			}
			it := v.items[i]
			it.LikedByViewer = op.Prev
			if op.Next {
				if it.LikeCount > 0 {
					it.LikeCount--
				}
			} else {
				it.LikeCount++
			}
		}
	}
}

// likeMutation 点赞 toggle 的权威写入
type likeMutation struct {
	view   *FeedView
	postID string
	prev   bool
	next   bool
	rowID  string
}

func (m *likeMutation) Key() optimistic.Key {
	return optimistic.Key{EntityID: m.postID, Kind: optimistic.KindLike}
}
func (m *likeMutation) Current() bool { return m.prev }
func (m *likeMutation) Desired() bool { return m.next }

func (m *likeMutation) Execute(ctx context.Context) error {
	var err error
	if m.next {
		m.rowID, err = m.view.store.Like(ctx, m.postID, m.view.viewerID)
	} else {
		m.rowID, err = m.view.store.Unlike(ctx, m.postID, m.view.viewerID)
	}
	return err
}
