package aggregate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/community-realtime/internal/model"
	"github.com/d60-Lab/community-realtime/internal/optimistic"
	"github.com/d60-Lab/community-realtime/internal/presence"
	"github.com/d60-Lab/community-realtime/internal/stream"
	"github.com/d60-Lab/community-realtime/pkg/logger"
)

// ConversationView 一个打开的会话。消息按时间升序聚合；
// 回应订阅是全局一条流，按已知消息 ID 过滤后合并。
type ConversationView struct {
	conversationID string
	viewerID       string
	store          ChatStore
	sc             *stream.Client
	coord          *optimistic.Coordinator
	reg            *optimistic.Registry
	online         *presence.Handle

	mu          sync.Mutex
	items       []*MessageItem
	index       map[string]int
	reactRows   map[string]string // reaction row id -> message id
	removedRows map[string]struct{}
	closed      bool

	roomHandle  *stream.Handle
	reactHandle *stream.Handle
	wg          sync.WaitGroup
}

// OpenConversation 打开会话视图：订阅会话消息流与全局回应流后装载现状。
// online 可为 nil（无 presence 环境）；视图关闭时一并释放。
func OpenConversation(ctx context.Context, viewerID, conversationID string, store ChatStore, sc *stream.Client, coord *optimistic.Coordinator, online *presence.Handle) (*ConversationView, error) {
	v := &ConversationView{
		conversationID: conversationID,
		viewerID:       viewerID,
		store:          store,
		sc:             sc,
		coord:          coord,
		reg:            coord.Registry(),
		online:         online,
		index:          make(map[string]int),
		reactRows:      make(map[string]string),
		removedRows:    make(map[string]struct{}),
	}

	rh, err := sc.Subscribe(ctx, stream.RoomScope(conversationID))
	if err != nil {
		return nil, err
	}
	v.roomHandle = rh
	xh, err := sc.Subscribe(ctx, stream.ReactionScope())
	if err != nil {
		sc.Unsubscribe(rh)
		return nil, err
	}
	v.reactHandle = xh

	items, err := store.LoadConversation(ctx, viewerID, conversationID)
	if err != nil {
		sc.Unsubscribe(rh)
		sc.Unsubscribe(xh)
		return nil, err
	}
	v.mu.Lock()
	for _, it := range items {
		v.appendLocked(it)
	}
	v.mu.Unlock()

	v.wg.Add(2)
	go v.loop(rh)
	go v.loop(xh)
	return v, nil
}

// Close 同步释放消息流、回应流与 presence 引用
func (v *ConversationView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.sc.Unsubscribe(v.roomHandle)
	v.sc.Unsubscribe(v.reactHandle)
	if v.online != nil {
		v.online.Leave()
	}
	v.wg.Wait()
}

// Messages 返回当前消息列表快照（升序）
func (v *ConversationView) Messages() []MessageItem {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]MessageItem, len(v.items))
	for i, it := range v.items {
		out[i] = v.snapshotLocked(it)
	}
	return out
}

// Get 按消息 ID 取快照
func (v *ConversationView) Get(messageID string) (MessageItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.index[messageID]
	if !ok {
		return MessageItem{}, false
	}
	return v.snapshotLocked(v.items[i]), true
}

// PeerOnline 查询用户在全局 presence 作用域是否在线
func (v *ConversationView) PeerOnline(userID string) bool {
	if v.online == nil {
		return false
	}
	return v.online.IsOnline(userID)
}

// snapshotLocked 深拷贝 map 字段，快照不受后续合并影响
func (v *ConversationView) snapshotLocked(it *MessageItem) MessageItem {
	snap := *it
	snap.Reactions = make(map[string]int64, len(it.Reactions))
	for k, c := range it.Reactions {
		snap.Reactions[k] = c
	}
	snap.ViewerReacted = make(map[string]bool, len(it.ViewerReacted))
	for k, b := range it.ViewerReacted {
		snap.ViewerReacted[k] = b
	}
	return snap
}

// ToggleReaction 乐观切换回应；同 (消息, emoji) 已有在途操作时忽略本次触发
func (v *ConversationView) ToggleReaction(ctx context.Context, messageID, emoji string) (MessageItem, bool) {
	v.mu.Lock()
	i, ok := v.index[messageID]
	if !ok || v.closed {
		v.mu.Unlock()
		return MessageItem{}, false
	}
	desired := !v.items[i].ViewerReacted[emoji]
	v.mu.Unlock()

	// 乐观值在权威写入启动前落下，落定回调不可能抢先拿锁
	var snap MessageItem
	applied := false
	onApply := func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if i, ok := v.index[messageID]; ok {
			it := v.items[i]
			v.bumpReactionLocked(it, emoji, desired)
			snap = v.snapshotLocked(it)
			applied = true
		}
	}

	m := &reactionMutation{view: v, messageID: messageID, emoji: emoji, prev: !desired, next: desired}
	if _, started := v.coord.Apply(ctx, m, onApply, v.resolveReaction(m)); !started {
		cur, _ := v.Get(messageID)
		return cur, false
	}
	return snap, applied
}

// MarkRead 把对端消息置已读（读回执作为第三种变更变体走同一契约）
func (v *ConversationView) MarkRead(ctx context.Context) bool {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false
	}
	var pending []string
	for _, it := range v.items {
		if it.Message.SenderID != v.viewerID && !it.Message.IsRead {
			pending = append(pending, it.Message.ID)
		}
	}
	v.mu.Unlock()
	if len(pending) == 0 {
		return false
	}

	onApply := func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		for _, id := range pending {
			if i, ok := v.index[id]; ok {
				v.items[i].Message.IsRead = true
			}
		}
	}
	m := &readMutation{view: v, messageIDs: pending}
	_, started := v.coord.Apply(ctx, m, onApply, v.resolveRead(m))
	return started
}

func (v *ConversationView) bumpReactionLocked(it *MessageItem, emoji string, add bool) {
	if it.Reactions == nil {
		it.Reactions = make(map[string]int64)
	}
	if it.ViewerReacted == nil {
		it.ViewerReacted = make(map[string]bool)
	}
	if add {
		it.Reactions[emoji]++
		it.ViewerReacted[emoji] = true
	} else {
		if it.Reactions[emoji] > 0 {
			it.Reactions[emoji]--
		}
		if it.Reactions[emoji] == 0 {
			delete(it.Reactions, emoji)
		}
		delete(it.ViewerReacted, emoji)
	}
}

func (v *ConversationView) appendLocked(it *MessageItem) {
	if it.Reactions == nil {
		it.Reactions = make(map[string]int64)
	}
	if it.ViewerReacted == nil {
		it.ViewerReacted = make(map[string]bool)
	}
	v.items = append(v.items, it)
	v.index[it.Message.ID] = len(v.items) - 1
	for _, r := range it.ReactionRows {
		v.reactRows[r.ID] = it.Message.ID
	}
}

func (v *ConversationView) loop(h *stream.Handle) {
	defer v.wg.Done()
	for ev := range h.Events() {
		v.apply(ev)
	}
}

func (v *ConversationView) apply(ev stream.Event) {
	switch ev.Table {
	case "messages":
		v.applyMessage(ev)
	case "message_reactions":
		v.applyReaction(ev)
	}
}

func (v *ConversationView) applyMessage(ev stream.Event) {
	var msg model.Message
	if err := ev.Decode(&msg); err != nil {
		logger.Warn("drop malformed message event", zap.Error(err))
		return
	}
	if msg.ConversationID != v.conversationID {
		return
	}

	switch ev.Op {
	case stream.OpInsert:
		v.mu.Lock()
		_, known := v.index[msg.ID]
		v.mu.Unlock()
		if known {
			v.mergeMessage(&msg)
			return
		}
		item := &MessageItem{Message: msg}
		if msg.ReferencedPostID != nil {
			// 实时到达的转发消息与批量装载同样解析帖子投影
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ref, err := v.store.LoadPostRef(ctx, *msg.ReferencedPostID)
			cancel()
			if err != nil {
				logger.Warn("resolve referenced post failed",
					zap.String("post", *msg.ReferencedPostID), zap.Error(err))
			} else {
				item.ReferencedPost = ref
			}
		}
		v.mu.Lock()
		if _, dup := v.index[msg.ID]; !dup {
			v.appendLocked(item)
		}
		v.mu.Unlock()
	case stream.OpUpdate:
		v.mergeMessage(&msg)
	}
}

func (v *ConversationView) mergeMessage(msg *model.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.index[msg.ID]
	if !ok {
		return
	}
	it := v.items[i]
	it.Message.Content = msg.Content
	it.Message.IsRead = msg.IsRead
}

func (v *ConversationView) applyReaction(ev stream.Event) {
	var r model.Reaction
	if err := ev.Decode(&r); err != nil {
		logger.Warn("drop malformed reaction event", zap.Error(err))
		return
	}
	key := optimistic.Key{EntityID: r.MessageID, Kind: optimistic.KindReaction, Qualifier: r.Emoji}

	v.mu.Lock()
	defer v.mu.Unlock()

	i, ok := v.index[r.MessageID]
	if !ok {
		return // 回应流是全局的，不属于本会话的消息直接丢弃
	}
	it := v.items[i]

	switch ev.Op {
	case stream.OpInsert:
		if _, dup := v.reactRows[r.ID]; dup {
			return
		}
		v.reactRows[r.ID] = r.MessageID
		if r.UserID == v.viewerID {
			if v.reg.MatchConfirm(key) {
				it.ViewerReacted[r.Emoji] = true
				return
			}
			v.reg.NoteExternal(key, ev.At)
			if it.ViewerReacted[r.Emoji] {
				return
			}
			it.ViewerReacted[r.Emoji] = true
		}
		it.Reactions[r.Emoji]++
	case stream.OpDelete:
		if _, dup := v.removedRows[r.ID]; dup {
			return
		}
		v.removedRows[r.ID] = struct{}{}
		delete(v.reactRows, r.ID)
		if r.UserID == v.viewerID {
			if v.reg.MatchConfirm(key) {
				delete(it.ViewerReacted, r.Emoji)
				return
			}
			v.reg.NoteExternal(key, ev.At)
			if !it.ViewerReacted[r.Emoji] {
				return
			}
			delete(it.ViewerReacted, r.Emoji)
		}
		if it.Reactions[r.Emoji] > 0 {
			it.Reactions[r.Emoji]--
		}
		if it.Reactions[r.Emoji] == 0 {
			delete(it.Reactions, r.Emoji)
		}
	}
}

func (v *ConversationView) resolveReaction(m *reactionMutation) func(*optimistic.Operation) {
	return func(op *optimistic.Operation) {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.closed {
			return
		}
		switch op.Status {
		case optimistic.StatusConfirmed:
			if m.rowID != "" {
				if op.Next {
					v.reactRows[m.rowID] = m.messageID
				} else {
					v.removedRows[m.rowID] = struct{}{}
				}
			}
		case optimistic.StatusRolledBack:
			i, ok := v.index[m.messageID]
			if !ok {
				return
			}
			v.bumpReactionLocked(v.items[i], m.emoji, op.Prev)
		}
	}
}

func (v *ConversationView) resolveRead(m *readMutation) func(*optimistic.Operation) {
	return func(op *optimistic.Operation) {
		if op.Status != optimistic.StatusRolledBack {
			return
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.closed {
			return
		}
		for _, id := range m.messageIDs {
			if i, ok := v.index[id]; ok {
				v.items[i].Message.IsRead = false
			}
		}
	}
}

// reactionMutation 回应 toggle 的权威写入
type reactionMutation struct {
	view      *ConversationView
	messageID string
	emoji     string
	prev      bool
	next      bool
	rowID     string
}

func (m *reactionMutation) Key() optimistic.Key {
	return optimistic.Key{EntityID: m.messageID, Kind: optimistic.KindReaction, Qualifier: m.emoji}
}
func (m *reactionMutation) Current() bool { return m.prev }
func (m *reactionMutation) Desired() bool { return m.next }

func (m *reactionMutation) Execute(ctx context.Context) error {
	var err error
	if m.next {
		m.rowID, err = m.view.store.React(ctx, m.messageID, m.view.viewerID, m.emoji)
	} else {
		m.rowID, err = m.view.store.Unreact(ctx, m.messageID, m.view.viewerID, m.emoji)
	}
	return err
}

// readMutation 读回执批量写入
type readMutation struct {
	view       *ConversationView
	messageIDs []string
}

func (m *readMutation) Key() optimistic.Key {
	return optimistic.Key{EntityID: m.view.conversationID, Kind: optimistic.KindRead}
}
func (m *readMutation) Current() bool { return false }
func (m *readMutation) Desired() bool { return true }

func (m *readMutation) Execute(ctx context.Context) error {
	_, err := m.view.store.MarkRead(ctx, m.view.conversationID, m.view.viewerID)
	return err
}
