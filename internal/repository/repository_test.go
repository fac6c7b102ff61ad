package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/community-realtime/internal/model"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.User{}, &model.Post{}, &model.PostMedia{}, &model.Like{}, &model.Comment{},
		&model.Conversation{}, &model.ConversationParticipant{}, &model.Message{}, &model.Reaction{},
	))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, name string) *model.User {
	t.Helper()
	u := &model.User{ID: uuid.New().String(), FullName: name}
	require.NoError(t, db.Create(u).Error)
	return u
}

func seedPost(t *testing.T, db *gorm.DB, authorID string) *model.Post {
	t.Helper()
	p := &model.Post{ID: uuid.New().String(), AuthorID: authorID, Content: "hello", IsVisible: true}
	require.NoError(t, db.Create(p).Error)
	return p
}

func TestLikeInsertConflict(t *testing.T) {
	db := setupDB(t)
	likes := NewLikeRepository(db)
	ctx := context.Background()
	u := seedUser(t, db, "alice")
	p := seedPost(t, db, u.ID)

	l, err := likes.Insert(ctx, p.ID, u.ID)
	require.NoError(t, err)
	require.NotEmpty(t, l.ID)

	// 重复点赞撞 (post_id, user_id) 唯一键：冲突是预期结果
	_, err = likes.Insert(ctx, p.ID, u.ID)
	require.ErrorIs(t, err, ErrConflict)

	exists, err := likes.Exists(ctx, p.ID, u.ID)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestLikeDeleteReturnsRow(t *testing.T) {
	db := setupDB(t)
	likes := NewLikeRepository(db)
	ctx := context.Background()
	u := seedUser(t, db, "alice")
	p := seedPost(t, db, u.ID)

	l, err := likes.Insert(ctx, p.ID, u.ID)
	require.NoError(t, err)

	// 删除返回被删行，写路径据此构造 DELETE 事件
	gone, err := likes.Delete(ctx, p.ID, u.ID)
	require.NoError(t, err)
	require.Equal(t, l.ID, gone.ID)

	_, err = likes.Delete(ctx, p.ID, u.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListUserLikes(t *testing.T) {
	db := setupDB(t)
	likes := NewLikeRepository(db)
	ctx := context.Background()
	u := seedUser(t, db, "alice")
	other := seedUser(t, db, "bob")
	p1 := seedPost(t, db, u.ID)
	p2 := seedPost(t, db, u.ID)

	_, _ = likes.Insert(ctx, p1.ID, u.ID)
	_, _ = likes.Insert(ctx, p2.ID, other.ID)

	rows, err := likes.ListUserLikes(ctx, u.ID, []string{p1.ID, p2.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, p1.ID, rows[0].PostID)

	rows, err = likes.ListUserLikes(ctx, u.ID, nil)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestPostCounterIncrement(t *testing.T) {
	db := setupDB(t)
	posts := NewPostRepository(db)
	ctx := context.Background()
	u := seedUser(t, db, "alice")
	p := seedPost(t, db, u.ID)

	require.NoError(t, posts.IncrementLikeCount(ctx, p.ID, 1))
	require.NoError(t, posts.IncrementLikeCount(ctx, p.ID, 1))
	require.NoError(t, posts.IncrementLikeCount(ctx, p.ID, -1))
	require.NoError(t, posts.IncrementCommentCount(ctx, p.ID, 1))

	got, err := posts.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.LikeCount)
	require.EqualValues(t, 1, got.CommentCount)
}

func TestListVisibleOrdering(t *testing.T) {
	db := setupDB(t)
	posts := NewPostRepository(db)
	ctx := context.Background()
	u := seedUser(t, db, "alice")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		p := &model.Post{
			ID: fmt.Sprintf("p%d", i), AuthorID: u.ID, Content: "x",
			IsVisible: true, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(p).Error)
	}
	hidden := &model.Post{ID: "hidden", AuthorID: u.ID, IsVisible: false, CreatedAt: base.Add(time.Hour)}
	require.NoError(t, db.Create(hidden).Error)

	list, err := posts.ListVisible(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	// created_at 倒序，且不可见帖子不出现
	require.Equal(t, "p2", list[0].ID)
	require.Equal(t, "p0", list[2].ID)
}

func TestPostCreateWithMedia(t *testing.T) {
	db := setupDB(t)
	posts := NewPostRepository(db)
	ctx := context.Background()
	u := seedUser(t, db, "alice")

	p := &model.Post{ID: uuid.New().String(), AuthorID: u.ID, Content: "pic", IsVisible: true}
	media := []model.PostMedia{
		{ID: uuid.New().String(), PostID: p.ID, MediaURL: "https://cdn/x.jpg", MediaType: "image"},
	}
	require.NoError(t, posts.Create(ctx, p, media))

	got, err := posts.MediaByPostIDs(ctx, []string{p.ID})
	require.NoError(t, err)
	require.Len(t, got[p.ID], 1)
	require.Equal(t, "https://cdn/x.jpg", got[p.ID][0].MediaURL)
}

func TestConversationPairIdempotent(t *testing.T) {
	db := setupDB(t)
	convs := NewConversationRepository(db)
	ctx := context.Background()
	a := seedUser(t, db, "alice")
	b := seedUser(t, db, "bob")

	c1, err := convs.FindOrCreatePair(ctx, a.ID, b.ID)
	require.NoError(t, err)
	// 无论谁发起，同一对成员落在同一个会话
	c2, err := convs.FindOrCreatePair(ctx, b.ID, a.ID)
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.ID)

	parts, err := convs.Participants(ctx, c1.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
}

func TestListByUserOrderedByActivity(t *testing.T) {
	db := setupDB(t)
	convs := NewConversationRepository(db)
	ctx := context.Background()
	a := seedUser(t, db, "alice")
	b := seedUser(t, db, "bob")
	c := seedUser(t, db, "carol")

	withB, err := convs.FindOrCreatePair(ctx, a.ID, b.ID)
	require.NoError(t, err)
	withC, err := convs.FindOrCreatePair(ctx, a.ID, c.ID)
	require.NoError(t, err)

	// 旧会话来了新消息，排到前面
	require.NoError(t, convs.Touch(ctx, withB.ID, time.Now().Add(time.Hour)))

	list, err := convs.ListByUser(ctx, a.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, withB.ID, list[0].ID)
	require.Equal(t, withC.ID, list[1].ID)
}

func TestMarkReadOnlyPeerMessages(t *testing.T) {
	db := setupDB(t)
	convs := NewConversationRepository(db)
	msgs := NewMessageRepository(db)
	ctx := context.Background()
	a := seedUser(t, db, "alice")
	b := seedUser(t, db, "bob")
	conv, err := convs.FindOrCreatePair(ctx, a.ID, b.ID)
	require.NoError(t, err)

	fromPeer := &model.Message{ID: "m1", ConversationID: conv.ID, SenderID: b.ID, Content: "hi"}
	mine := &model.Message{ID: "m2", ConversationID: conv.ID, SenderID: a.ID, Content: "yo"}
	require.NoError(t, msgs.Create(ctx, fromPeer))
	require.NoError(t, msgs.Create(ctx, mine))

	updated, err := msgs.MarkRead(ctx, conv.ID, a.ID)
	require.NoError(t, err)
	require.Len(t, updated, 1)
	require.Equal(t, "m1", updated[0].ID)
	require.True(t, updated[0].IsRead)

	// 第二次调用没有未读行
	updated, err = msgs.MarkRead(ctx, conv.ID, a.ID)
	require.NoError(t, err)
	require.Empty(t, updated)

	all, err := msgs.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestReactionToggleKey(t *testing.T) {
	db := setupDB(t)
	reacts := NewReactionRepository(db)
	ctx := context.Background()
	u := seedUser(t, db, "alice")

	r1, err := reacts.Insert(ctx, "m1", u.ID, "👍")
	require.NoError(t, err)
	// 同 (消息, 用户, emoji) 冲突；不同 emoji 并存
	_, err = reacts.Insert(ctx, "m1", u.ID, "👍")
	require.ErrorIs(t, err, ErrConflict)
	_, err = reacts.Insert(ctx, "m1", u.ID, "❤️")
	require.NoError(t, err)

	gone, err := reacts.Delete(ctx, "m1", u.ID, "👍")
	require.NoError(t, err)
	require.Equal(t, r1.ID, gone.ID)
	_, err = reacts.Delete(ctx, "m1", u.ID, "👍")
	require.ErrorIs(t, err, ErrNotFound)

	rows, err := reacts.ListByMessages(ctx, []string{"m1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "❤️", rows[0].Emoji)
}

func TestUserSearch(t *testing.T) {
	db := setupDB(t)
	users := NewUserRepository(db)
	ctx := context.Background()
	seedUser(t, db, "Alice Smith")
	seedUser(t, db, "alichenko")
	seedUser(t, db, "Bob")

	found, err := users.SearchByName(ctx, "ali", 10)
	require.NoError(t, err)
	require.Len(t, found, 2)

	found, err = users.SearchByName(ctx, "zzz", 10)
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestCommentListOrdering(t *testing.T) {
	db := setupDB(t)
	comments := NewCommentRepository(db)
	ctx := context.Background()
	u := seedUser(t, db, "alice")
	p := seedPost(t, db, u.ID)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		c := &model.Comment{
			ID: fmt.Sprintf("c%d", i), PostID: p.ID, AuthorID: u.ID,
			Content: "x", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, comments.Create(ctx, c))
	}

	list, err := comments.ListByPost(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	// 升序，树构建依赖时序
	require.Equal(t, "c0", list[0].ID)
	require.Equal(t, "c2", list[2].ID)
}
