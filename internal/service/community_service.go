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
	"github.com/d60-Lab/community-realtime/internal/repository"
	"github.com/d60-Lab/community-realtime/internal/stream"
	"github.com/d60-Lab/community-realtime/internal/thread"
	"github.com/d60-Lab/community-realtime/pkg/logger"
)

var (
	ErrEmptyContent = errors.New("content cannot be empty")
	// ErrParentMismatch 父评论属于其他帖子
	ErrParentMismatch = errors.New("parent comment belongs to another post")
)

// MediaInput 发帖附件入参
type MediaInput struct {
	URL  string
	Type string
}

// CommunityService 社区信息流：发帖、点赞、评论树、深链。
// 同时实现 aggregate.FeedStore，为打开的信息流会话提供装载与写入。
type CommunityService struct {
	posts    repository.PostRepository
	likes    repository.LikeRepository
	comments repository.CommentRepository
	users    repository.UserRepository
	sc       *stream.Client
	coord    *optimistic.Coordinator
	pageSize int
}

func NewCommunityService(
	posts repository.PostRepository,
	likes repository.LikeRepository,
	comments repository.CommentRepository,
	users repository.UserRepository,
	sc *stream.Client,
	coord *optimistic.Coordinator,
	pageSize int,
) *CommunityService {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &CommunityService{
		posts: posts, likes: likes, comments: comments, users: users,
		sc: sc, coord: coord, pageSize: pageSize,
	}
}

// OpenFeed 打开 viewer 的信息流会话
func (s *CommunityService) OpenFeed(ctx context.Context, viewerID string) (*aggregate.FeedView, error) {
	return aggregate.OpenFeed(ctx, viewerID, s, s.sc, s.coord, s.pageSize)
}

// CreatePost 发帖并广播新帖事件
func (s *CommunityService) CreatePost(ctx context.Context, authorID, content string, media []MediaInput) (*model.Post, error) {
	if content == "" && len(media) == 0 {
		return nil, ErrEmptyContent
	}
	now := time.Now()
	post := &model.Post{
		ID:        uuid.New().String(),
		AuthorID:  authorID,
		Content:   content,
		IsVisible: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rows := make([]model.PostMedia, 0, len(media))
	for _, m := range media {
		rows = append(rows, model.PostMedia{
			ID: uuid.New().String(), PostID: post.ID,
			MediaURL: m.URL, MediaType: m.Type, CreatedAt: now,
		})
	}
	if err := s.posts.Create(ctx, post, rows); err != nil {
		return nil, err
	}
	s.publish(ctx, stream.FeedScope(), "community_posts", stream.OpInsert, post)
	return post, nil
}

// SetPostVisibility 切换帖子可见性并广播更新
func (s *CommunityService) SetPostVisibility(ctx context.Context, postID string, visible bool) error {
	if err := s.posts.SetVisibility(ctx, postID, visible); err != nil {
		return err
	}
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return err
	}
	s.publish(ctx, stream.FeedScope(), "community_posts", stream.OpUpdate, post)
	return nil
}

// ToggleLike 服务端同步 toggle：存在即删、不存在即插。
// 唯一约束是并发仲裁者；冲突/缺行意味着另一个会话先到，静默收敛。
func (s *CommunityService) ToggleLike(ctx context.Context, postID, viewerID string) (bool, error) {
	exists, err := s.likes.Exists(ctx, postID, viewerID)
	if err != nil {
		return false, err
	}
	if exists {
		if _, err := s.Unlike(ctx, postID, viewerID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return false, nil
			}
			return true, err
		}
		return false, nil
	}
	if _, err := s.Like(ctx, postID, viewerID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// PostComment 发评论：校验父评论归属，受控自增评论计数并广播
func (s *CommunityService) PostComment(ctx context.Context, postID, authorID, content string, parentID *string) (*model.Comment, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	if _, err := s.posts.GetByID(ctx, postID); err != nil {
		return nil, err
	}
	if parentID != nil {
		parent, err := s.comments.GetByID(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		if parent.PostID != postID {
			return nil, ErrParentMismatch
		}
	}
	c := &model.Comment{
		ID:        uuid.New().String(),
		PostID:    postID,
		AuthorID:  authorID,
		ParentID:  parentID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.comments.Create(ctx, c); err != nil {
		return nil, err
	}
	if err := s.posts.IncrementCommentCount(ctx, postID, 1); err != nil {
		logger.Warn("comment count bump failed", zap.String("post", postID), zap.Error(err))
	}
	s.publish(ctx, stream.FeedScope(), "post_comments", stream.OpInsert, c)
	if post, err := s.posts.GetByID(ctx, postID); err == nil {
		s.publish(ctx, stream.FeedScope(), "community_posts", stream.OpUpdate, post)
	}
	return c, nil
}

// GetCommentTree 取帖子评论森林
func (s *CommunityService) GetCommentTree(ctx context.Context, postID string) ([]*thread.Node, error) {
	flat, err := s.comments.ListByPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	return thread.Build(flat), nil
}

// GetPost 定点取一条富化后的帖子（与批量装载同一条标注路径）
func (s *CommunityService) GetPost(ctx context.Context, viewerID, postID string) (*aggregate.PostItem, error) {
	return s.LoadFeedPost(ctx, viewerID, postID)
}

// --- aggregate.FeedStore ---

func (s *CommunityService) LoadFeedPage(ctx context.Context, viewerID string, offset, limit int) ([]*aggregate.PostItem, error) {
	posts, err := s.posts.ListVisible(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	return s.enrich(ctx, viewerID, posts)
}

func (s *CommunityService) LoadFeedPost(ctx context.Context, viewerID, postID string) (*aggregate.PostItem, error) {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	if !post.IsVisible {
		return nil, repository.ErrNotFound
	}
	items, err := s.enrich(ctx, viewerID, []*model.Post{post})
	if err != nil {
		return nil, err
	}
	return items[0], nil
}

func (s *CommunityService) Like(ctx context.Context, postID, viewerID string) (string, error) {
	l, err := s.likes.Insert(ctx, postID, viewerID)
	if err != nil {
		return "", err
	}
	if err := s.posts.IncrementLikeCount(ctx, postID, 1); err != nil {
		logger.Warn("like count bump failed", zap.String("post", postID), zap.Error(err))
	}
	s.publish(ctx, stream.FeedScope(), "post_likes", stream.OpInsert, l)
	return l.ID, nil
}

func (s *CommunityService) Unlike(ctx context.Context, postID, viewerID string) (string, error) {
	l, err := s.likes.Delete(ctx, postID, viewerID)
	if err != nil {
		return "", err
	}
	if err := s.posts.IncrementLikeCount(ctx, postID, -1); err != nil {
		logger.Warn("like count bump failed", zap.String("post", postID), zap.Error(err))
	}
	s.publish(ctx, stream.FeedScope(), "post_likes", stream.OpDelete, l)
	return l.ID, nil
}

// enrich 批量与定点装载共用的标注路径：作者、附件、viewer 点赞存在性
func (s *CommunityService) enrich(ctx context.Context, viewerID string, posts []*model.Post) ([]*aggregate.PostItem, error) {
	ids := make([]string, len(posts))
	authorIDs := make([]string, 0, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
		authorIDs = append(authorIDs, p.AuthorID)
	}

	authors, err := s.users.GetByIDs(ctx, authorIDs)
	if err != nil {
		return nil, err
	}
	media, err := s.posts.MediaByPostIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	likes, err := s.likes.ListUserLikes(ctx, viewerID, ids)
	if err != nil {
		return nil, err
	}
	likeRowByPost := make(map[string]string, len(likes))
	for _, l := range likes {
		likeRowByPost[l.PostID] = l.ID
	}

	items := make([]*aggregate.PostItem, len(posts))
	for i, p := range posts {
		rowID := likeRowByPost[p.ID]
		items[i] = &aggregate.PostItem{
			Post:            *p,
			Author:          authors[p.AuthorID],
			Media:           media[p.ID],
			LikedByViewer:   rowID != "",
			ViewerLikeRowID: rowID,
			LikeCount:       p.LikeCount,
			CommentCount:    p.CommentCount,
		}
	}
	return items, nil
}

func (s *CommunityService) publish(ctx context.Context, scope, table string, op stream.Op, row any) {
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
