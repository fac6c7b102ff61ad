package aggregate

import (
	"context"

	"github.com/d60-Lab/community-realtime/internal/model"
)

// PostItem 喂给渲染层的帖子聚合：行数据 + viewer 视角标注。
// 计数为展示值，以关系行存在性为事实来源逐事件收敛。
type PostItem struct {
	Post            model.Post
	Author          *model.User
	Media           []model.PostMedia
	LikedByViewer   bool
	ViewerLikeRowID string
	LikeCount       int64
	CommentCount    int64
}

// PostRef 消息内转发帖子的最小投影
type PostRef struct {
	ID         string
	AuthorID   string
	AuthorName string
	Content    string
	MediaURL   string
}

// ReactionRow 已加载的回应行（聚合器据此做行级去重）
type ReactionRow struct {
	ID     string
	UserID string
	Emoji  string
}

// MessageItem 消息聚合：行数据 + 回应计数 + 转发帖子投影
type MessageItem struct {
	Message        model.Message
	ReferencedPost *PostRef
	Reactions      map[string]int64 // emoji -> 计数
	ViewerReacted  map[string]bool  // emoji -> viewer 是否持有
	ReactionRows   []ReactionRow
}

// FeedStore 聚合器的数据面：批量装载、定点装载（深链）与 toggle 写入。
// 定点装载必须走与批量装载相同的标注路径。
type FeedStore interface {
	LoadFeedPage(ctx context.Context, viewerID string, offset, limit int) ([]*PostItem, error)
	LoadFeedPost(ctx context.Context, viewerID, postID string) (*PostItem, error)
	// Like 写入点赞并返回点赞行 ID；已存在返回 repository.ErrConflict
	Like(ctx context.Context, postID, viewerID string) (string, error)
	// Unlike 删除点赞并返回被删行 ID；不存在返回 repository.ErrNotFound
	Unlike(ctx context.Context, postID, viewerID string) (string, error)
}

// ChatStore 会话视图的数据面
type ChatStore interface {
	LoadConversation(ctx context.Context, viewerID, conversationID string) ([]*MessageItem, error)
	LoadPostRef(ctx context.Context, postID string) (*PostRef, error)
	React(ctx context.Context, messageID, viewerID, emoji string) (string, error)
	Unreact(ctx context.Context, messageID, viewerID, emoji string) (string, error)
	// MarkRead 把对端发来的未读消息置已读，返回被更新的消息 ID
	MarkRead(ctx context.Context, conversationID, readerID string) ([]string, error)
}
