package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/community-realtime/internal/aggregate"
	"github.com/d60-Lab/community-realtime/internal/model"
	"github.com/d60-Lab/community-realtime/internal/optimistic"
	"github.com/d60-Lab/community-realtime/internal/presence"
	"github.com/d60-Lab/community-realtime/internal/repository"
	"github.com/d60-Lab/community-realtime/internal/stream"
	"github.com/d60-Lab/community-realtime/pkg/logger"
)

var (
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
	// ErrNotParticipant viewer 不是会话成员
	ErrNotParticipant = errors.New("viewer is not a participant of this conversation")
	ErrEmptyMessage   = errors.New("message cannot be empty")
)

// ConversationSummary 会话列表的一行：对端用户、最近活跃、在线状态
type ConversationSummary struct {
	Conversation *model.Conversation
	Other        *model.User
	OtherOnline  bool
}

// SharedPostText 转发帖子消息的固定文案
const SharedPostText = "Поделился постом"

// ChatService 一对一会话：建会、发消息、回应、已读回执。
// 同时实现 aggregate.ChatStore，为打开的会话视图提供装载与写入。
type ChatService struct {
	convs    repository.ConversationRepository
	messages repository.MessageRepository
	reacts   repository.ReactionRepository
	posts    repository.PostRepository
	users    repository.UserRepository
	sc       *stream.Client
	coord    *optimistic.Coordinator
	online   *presence.Registry
}

func NewChatService(
	convs repository.ConversationRepository,
	messages repository.MessageRepository,
	reacts repository.ReactionRepository,
	posts repository.PostRepository,
	users repository.UserRepository,
	sc *stream.Client,
	coord *optimistic.Coordinator,
	online *presence.Registry,
) *ChatService {
	return &ChatService{
		convs: convs, messages: messages, reacts: reacts,
		posts: posts, users: users,
		sc: sc, coord: coord, online: online,
	}
}

// StartConversation 按成员对幂等建会
func (s *ChatService) StartConversation(ctx context.Context, viewerID, otherID string) (*model.Conversation, error) {
	if viewerID == otherID {
		return nil, ErrSelfConversation
	}
	if _, err := s.users.GetByID(ctx, otherID); err != nil {
		return nil, err
	}
	return s.convs.FindOrCreatePair(ctx, viewerID, otherID)
}

// ListConversations 会话列表：对端资料 + 全站在线快照
func (s *ChatService) ListConversations(ctx context.Context, viewerID string, offset, limit int) ([]*ConversationSummary, error) {
	convs, err := s.convs.ListByUser(ctx, viewerID, offset, limit)
	if err != nil {
		return nil, err
	}
	res := make([]*ConversationSummary, 0, len(convs))
	for _, c := range convs {
		otherID, err := s.otherParticipant(ctx, c.ID, viewerID)
		if err != nil {
			return nil, err
		}
		other, err := s.users.GetByID(ctx, otherID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		res = append(res, &ConversationSummary{
			Conversation: c,
			Other:        other,
			OtherOnline:  s.online.Peek(presence.GlobalScope, otherID),
		})
	}
	return res, nil
}

// OpenConversation 校验成员资格后打开会话视图；
// viewer 加入全站 presence，视图 Close 时退出。
func (s *ChatService) OpenConversation(ctx context.Context, viewerID, conversationID string) (*aggregate.ConversationView, error) {
	if _, err := s.otherParticipant(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	h := s.online.Join(ctx, presence.GlobalScope, viewerID)
	view, err := aggregate.OpenConversation(ctx, viewerID, conversationID, s, s.sc, s.coord, h)
	if err != nil {
		h.Leave()
		return nil, err
	}
	return view, nil
}

// SendMessage 发消息并推进会话排序键；referencedPostID 非空时为转发帖子
func (s *ChatService) SendMessage(ctx context.Context, conversationID, senderID, content string, referencedPostID *string) (*model.Message, error) {
	if content == "" && referencedPostID == nil {
		return nil, ErrEmptyMessage
	}
	if _, err := s.otherParticipant(ctx, conversationID, senderID); err != nil {
		return nil, err
	}
	if referencedPostID != nil {
		if _, err := s.posts.GetByID(ctx, *referencedPostID); err != nil {
			return nil, err
		}
		if content == "" {
			content = SharedPostText
		}
	}
	msg := &model.Message{
		ID:               uuid.New().String(),
		ConversationID:   conversationID,
		SenderID:         senderID,
		Content:          content,
		ReferencedPostID: referencedPostID,
		CreatedAt:        time.Now(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.convs.Touch(ctx, conversationID, msg.CreatedAt); err != nil {
		logger.Warn("conversation touch failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	s.publish(ctx, stream.RoomScope(conversationID), "messages", stream.OpInsert, msg)
	return msg, nil
}

// SharePost 把帖子转发到与 otherID 的会话（没有则建会）
func (s *ChatService) SharePost(ctx context.Context, viewerID, otherID, postID string) (*model.Message, error) {
	conv, err := s.StartConversation(ctx, viewerID, otherID)
	if err != nil {
		return nil, err
	}
	return s.SendMessage(ctx, conv.ID, viewerID, "", &postID)
}

// ToggleReaction 服务端同步 toggle：插入撞唯一约束即删除。
// 与客户端乐观路径共用同一对 React/Unreact 写入。
func (s *ChatService) ToggleReaction(ctx context.Context, messageID, viewerID, emoji string) (bool, error) {
	_, err := s.React(ctx, messageID, viewerID, emoji)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, repository.ErrConflict) {
		return false, err
	}
	if _, err := s.Unreact(ctx, messageID, viewerID, emoji); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return true, err
	}
	return false, nil
}

// SearchUsers 按显示名模糊搜索（分享、建会入口）
func (s *ChatService) SearchUsers(ctx context.Context, viewerID, query string) ([]*model.User, error) {
	if query == "" {
		return nil, nil
	}
	found, err := s.users.SearchByName(ctx, query, 10)
	if err != nil {
		return nil, err
	}
	res := found[:0]
	for _, u := range found {
		if u.ID != viewerID {
			res = append(res, u)
		}
	}
	return res, nil
}

// IsUserOnline 全局在线心跳窗口内即在线
func (s *ChatService) IsUserOnline(userID string) bool {
	return s.online.Peek(presence.GlobalScope, userID)
}

// --- aggregate.ChatStore ---

func (s *ChatService) LoadConversation(ctx context.Context, viewerID, conversationID string) ([]*aggregate.MessageItem, error) {
	msgs, err := s.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(msgs))
	refIDs := make([]string, 0)
	for i, m := range msgs {
		ids[i] = m.ID
		if m.ReferencedPostID != nil {
			refIDs = append(refIDs, *m.ReferencedPostID)
		}
	}

	reactions, err := s.reacts.ListByMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	rowsByMsg := make(map[string][]aggregate.ReactionRow)
	for _, r := range reactions {
		rowsByMsg[r.MessageID] = append(rowsByMsg[r.MessageID], aggregate.ReactionRow{
			ID: r.ID, UserID: r.UserID, Emoji: r.Emoji,
		})
	}

	refs := make(map[string]*aggregate.PostRef)
	if len(refIDs) > 0 {
		posts, err := s.posts.GetByIDs(ctx, refIDs)
		if err != nil {
			return nil, err
		}
		for id, p := range posts {
			ref, err := s.buildPostRef(ctx, p)
			if err != nil {
				return nil, err
			}
			refs[id] = ref
		}
	}

	items := make([]*aggregate.MessageItem, len(msgs))
	for i, m := range msgs {
		item := &aggregate.MessageItem{
			Message:       *m,
			Reactions:     make(map[string]int64),
			ViewerReacted: make(map[string]bool),
			ReactionRows:  rowsByMsg[m.ID],
		}
		for _, row := range item.ReactionRows {
			item.Reactions[row.Emoji]++
			if row.UserID == viewerID {
				item.ViewerReacted[row.Emoji] = true
			}
		}
		if m.ReferencedPostID != nil {
			item.ReferencedPost = refs[*m.ReferencedPostID]
		}
		items[i] = item
	}
	return items, nil
}

func (s *ChatService) LoadPostRef(ctx context.Context, postID string) (*aggregate.PostRef, error) {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	return s.buildPostRef(ctx, post)
}

func (s *ChatService) React(ctx context.Context, messageID, viewerID, emoji string) (string, error) {
	re, err := s.reacts.Insert(ctx, messageID, viewerID, emoji)
	if err != nil {
		return "", err
	}
	s.publish(ctx, stream.ReactionScope(), "message_reactions", stream.OpInsert, re)
	return re.ID, nil
}

func (s *ChatService) Unreact(ctx context.Context, messageID, viewerID, emoji string) (string, error) {
	re, err := s.reacts.Delete(ctx, messageID, viewerID, emoji)
	if err != nil {
		return "", err
	}
	s.publish(ctx, stream.ReactionScope(), "message_reactions", stream.OpDelete, re)
	return re.ID, nil
}

func (s *ChatService) MarkRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	rows, err := s.messages.MarkRead(ctx, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, m := range rows {
		ids[i] = m.ID
		s.publish(ctx, stream.RoomScope(conversationID), "messages", stream.OpUpdate, m)
	}
	return ids, nil
}

// otherParticipant 返回会话中的对端成员；viewer 不在其中时拒绝
func (s *ChatService) otherParticipant(ctx context.Context, conversationID, viewerID string) (string, error) {
	parts, err := s.convs.Participants(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", repository.ErrNotFound
	}
	var other string
	member := false
	for _, p := range parts {
		if p.UserID == viewerID {
			member = true
		} else {
			other = p.UserID
		}
	}
	if !member {
		return "", ErrNotParticipant
	}
	return other, nil
}

func (s *ChatService) buildPostRef(ctx context.Context, post *model.Post) (*aggregate.PostRef, error) {
	ref := &aggregate.PostRef{ID: post.ID, AuthorID: post.AuthorID, Content: post.Content}
	if author, err := s.users.GetByID(ctx, post.AuthorID); err == nil {
		ref.AuthorName = author.FullName
	}
	media, err := s.posts.MediaByPostIDs(ctx, []string{post.ID})
	if err != nil {
		return nil, err
	}
	if rows := media[post.ID]; len(rows) > 0 {
		ref.MediaURL = rows[0].MediaURL
	}
	return ref, nil
}

func (s *ChatService) publish(ctx context.Context, scope, table string, op stream.Op, row any) {
	ev, err := stream.NewEvent(table, op, row)
	if err != nil {
		logger.Warn("encode change event failed", zap.String("table", table), zap.Error(err))
		return
	}
	if err := s.sc.Publish(ctx, scope, ev); err != nil {
		logger.Warn("publish change event failed",
			zap.String("scope", scope), zap.String("table", table), zap.Error(err))
	}
}
