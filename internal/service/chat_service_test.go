package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/d60-Lab/community-realtime/internal/model"
	"github.com/d60-Lab/community-realtime/internal/optimistic"
	"github.com/d60-Lab/community-realtime/internal/presence"
	"github.com/d60-Lab/community-realtime/internal/repository"
	"github.com/d60-Lab/community-realtime/internal/stream"
)

type chatEnv struct {
	db     *gorm.DB
	sc     *stream.Client
	svc    *ChatService
	online *presence.Registry
}

func setupChat(t *testing.T) *chatEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.User{}, &model.Post{}, &model.PostMedia{},
		&model.Conversation{}, &model.ConversationParticipant{},
		&model.Message{}, &model.Reaction{},
	))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sc := stream.NewClient(rdb, stream.Options{})
	t.Cleanup(sc.Close)
	online := presence.NewRegistry(rdb, 50*time.Millisecond, 250*time.Millisecond)
	t.Cleanup(online.Close)

	coord := optimistic.NewCoordinator(optimistic.NewRegistry(), time.Second)
	svc := NewChatService(
		repository.NewConversationRepository(db),
		repository.NewMessageRepository(db),
		repository.NewReactionRepository(db),
		repository.NewPostRepository(db),
		repository.NewUserRepository(db),
		sc, coord, online,
	)
	return &chatEnv{db: db, sc: sc, svc: svc, online: online}
}

func (e *chatEnv) user(t *testing.T, name string) *model.User {
	t.Helper()
	u := &model.User{ID: uuid.New().String(), FullName: name}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func TestStartConversationGuards(t *testing.T) {
	env := setupChat(t)
	ctx := context.Background()
	a := env.user(t, "Alice")
	b := env.user(t, "Bob")

	_, err := env.svc.StartConversation(ctx, a.ID, a.ID)
	require.ErrorIs(t, err, ErrSelfConversation)
	_, err = env.svc.StartConversation(ctx, a.ID, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)

	c1, err := env.svc.StartConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)
	c2, err := env.svc.StartConversation(ctx, b.ID, a.ID)
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.ID)
}

func TestOpenConversationRequiresMembership(t *testing.T) {
	env := setupChat(t)
	ctx := context.Background()
	a := env.user(t, "Alice")
	b := env.user(t, "Bob")
	stranger := env.user(t, "Mallory")

	conv, err := env.svc.StartConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	_, err = env.svc.OpenConversation(ctx, stranger.ID, conv.ID)
	require.ErrorIs(t, err, ErrNotParticipant)

	view, err := env.svc.OpenConversation(ctx, a.ID, conv.ID)
	require.NoError(t, err)
	view.Close()
}

func TestMessageDeliveredToOpenView(t *testing.T) {
	env := setupChat(t)
	ctx := context.Background()
	a := env.user(t, "Alice")
	b := env.user(t, "Bob")
	conv, err := env.svc.StartConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	view, err := env.svc.OpenConversation(ctx, a.ID, conv.ID)
	require.NoError(t, err)
	defer view.Close()

	msg, err := env.svc.SendMessage(ctx, conv.ID, b.ID, "hi alice", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := view.Get(msg.ID)
		return ok && it.Message.Content == "hi alice"
	}, 2*time.Second, 10*time.Millisecond)

	// 发消息推进会话排序键
	list, err := env.svc.ListConversations(ctx, a.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Bob", list[0].Other.FullName)
}

func TestSendMessageGuards(t *testing.T) {
	env := setupChat(t)
	ctx := context.Background()
	a := env.user(t, "Alice")
	b := env.user(t, "Bob")
	stranger := env.user(t, "Mallory")
	conv, err := env.svc.StartConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	_, err = env.svc.SendMessage(ctx, conv.ID, a.ID, "", nil)
	require.ErrorIs(t, err, ErrEmptyMessage)
	_, err = env.svc.SendMessage(ctx, conv.ID, stranger.ID, "hax", nil)
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestSharePostCarriesReference(t *testing.T) {
	env := setupChat(t)
	ctx := context.Background()
	a := env.user(t, "Alice")
	b := env.user(t, "Bob")

	post := &model.Post{ID: uuid.New().String(), AuthorID: a.ID, Content: "look at this", IsVisible: true}
	require.NoError(t, env.db.Create(post).Error)
	media := &model.PostMedia{ID: uuid.New().String(), PostID: post.ID, MediaURL: "https://cdn/p.jpg", MediaType: "image"}
	require.NoError(t, env.db.Create(media).Error)

	conv, err := env.svc.StartConversation(ctx, b.ID, a.ID)
	require.NoError(t, err)
	view, err := env.svc.OpenConversation(ctx, b.ID, conv.ID)
	require.NoError(t, err)
	defer view.Close()

	msg, err := env.svc.SharePost(ctx, a.ID, b.ID, post.ID)
	require.NoError(t, err)
	require.Equal(t, SharedPostText, msg.Content)
	require.Equal(t, conv.ID, msg.ConversationID)

	// 打开的视图实时解析转发帖投影
	require.Eventually(t, func() bool {
		it, ok := view.Get(msg.ID)
		return ok && it.ReferencedPost != nil &&
			it.ReferencedPost.AuthorName == "Alice" &&
			it.ReferencedPost.MediaURL == "https://cdn/p.jpg"
	}, 2*time.Second, 10*time.Millisecond)

	// 重新装载同样带投影
	items, err := env.svc.LoadConversation(ctx, b.ID, conv.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].ReferencedPost)
	require.Equal(t, post.ID, items[0].ReferencedPost.ID)
}

func TestReactionToggleConvergesAcrossViews(t *testing.T) {
	env := setupChat(t)
	ctx := context.Background()
	a := env.user(t, "Alice")
	b := env.user(t, "Bob")
	conv, err := env.svc.StartConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)
	msg, err := env.svc.SendMessage(ctx, conv.ID, a.ID, "react to me", nil)
	require.NoError(t, err)

	aliceView, err := env.svc.OpenConversation(ctx, a.ID, conv.ID)
	require.NoError(t, err)
	defer aliceView.Close()

	// bob 在别处回应：alice 的视图计数收敛
	reacted, err := env.svc.ToggleReaction(ctx, msg.ID, b.ID, "👍")
	require.NoError(t, err)
	require.True(t, reacted)
	require.Eventually(t, func() bool {
		it, _ := aliceView.Get(msg.ID)
		return it.Reactions["👍"] == 1 && !it.ViewerReacted["👍"]
	}, 2*time.Second, 10*time.Millisecond)

	// 再次 toggle 撤销
	reacted, err = env.svc.ToggleReaction(ctx, msg.ID, b.ID, "👍")
	require.NoError(t, err)
	require.False(t, reacted)
	require.Eventually(t, func() bool {
		it, _ := aliceView.Get(msg.ID)
		_, has := it.Reactions["👍"]
		return !has
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReadReceiptReachesSender(t *testing.T) {
	env := setupChat(t)
	ctx := context.Background()
	a := env.user(t, "Alice")
	b := env.user(t, "Bob")
	conv, err := env.svc.StartConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)
	msg, err := env.svc.SendMessage(ctx, conv.ID, a.ID, "unread", nil)
	require.NoError(t, err)

	aliceView, err := env.svc.OpenConversation(ctx, a.ID, conv.ID)
	require.NoError(t, err)
	defer aliceView.Close()
	bobView, err := env.svc.OpenConversation(ctx, b.ID, conv.ID)
	require.NoError(t, err)
	defer bobView.Close()

	require.True(t, bobView.MarkRead(ctx))

	// 发送方视图通过 UPDATE 事件看到已读
	require.Eventually(t, func() bool {
		it, _ := aliceView.Get(msg.ID)
		return it.Message.IsRead
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPresenceVisibleWhileConversationOpen(t *testing.T) {
	env := setupChat(t)
	ctx := context.Background()
	a := env.user(t, "Alice")
	b := env.user(t, "Bob")
	conv, err := env.svc.StartConversation(ctx, a.ID, b.ID)
	require.NoError(t, err)

	aliceView, err := env.svc.OpenConversation(ctx, a.ID, conv.ID)
	require.NoError(t, err)
	defer aliceView.Close()
	bobView, err := env.svc.OpenConversation(ctx, b.ID, conv.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return aliceView.PeerOnline(b.ID)
	}, 2*time.Second, 10*time.Millisecond)

	// bob 关闭视图：释放 presence，显式下线
	bobView.Close()
	require.Eventually(t, func() bool {
		return !aliceView.PeerOnline(b.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSearchUsersExcludesSelf(t *testing.T) {
	env := setupChat(t)
	ctx := context.Background()
	a := env.user(t, "Anna")
	env.user(t, "Annabel")
	env.user(t, "Bob")

	found, err := env.svc.SearchUsers(ctx, a.ID, "ann")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "Annabel", found[0].FullName)

	found, err = env.svc.SearchUsers(ctx, a.ID, "")
	require.NoError(t, err)
	require.Empty(t, found)
}
