package optimistic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBeginRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	key := Key{EntityID: "p1", Kind: KindLike}

	op, ok := r.Begin(key, false, true)
	require.True(t, ok)
	require.Equal(t, StatusPending, op.Status)

	// 同键第二次触发被忽略（快速双击）
	_, ok = r.Begin(key, true, false)
	require.False(t, ok)

	// 不同 qualifier 互不阻塞
	_, ok = r.Begin(Key{EntityID: "m1", Kind: KindReaction, Qualifier: "👍"}, false, true)
	require.True(t, ok)
	_, ok = r.Begin(Key{EntityID: "m1", Kind: KindReaction, Qualifier: "❤️"}, false, true)
	require.True(t, ok)
}

func TestConfirmRemovesPending(t *testing.T) {
	r := NewRegistry()
	key := Key{EntityID: "p1", Kind: KindLike}
	r.Begin(key, false, true)

	op := r.Confirm(key)
	require.NotNil(t, op)
	require.Equal(t, StatusConfirmed, op.Status)
	require.False(t, r.Pending(key))

	// 无待决操作时 Confirm 是 no-op
	require.Nil(t, r.Confirm(key))
	require.False(t, r.MatchConfirm(key))
}

func TestRollback(t *testing.T) {
	r := NewRegistry()
	key := Key{EntityID: "p1", Kind: KindLike}
	r.Begin(key, false, true)

	op, apply := r.Rollback(key)
	require.NotNil(t, op)
	require.True(t, apply)
	require.Equal(t, StatusRolledBack, op.Status)
	require.False(t, op.Prev)
}

func TestRollbackSupersededByNewerExternal(t *testing.T) {
	r := NewRegistry()
	key := Key{EntityID: "p1", Kind: KindLike}
	r.Begin(key, false, true)

	// 操作开始后收到更新的外部事件：回滚会覆盖更新的数据，应被废弃
	r.NoteExternal(key, time.Now().Add(time.Second))

	op, apply := r.Rollback(key)
	require.NotNil(t, op)
	require.False(t, apply)
	require.Equal(t, StatusConfirmed, op.Status)
}

func TestRollbackIgnoresOlderExternal(t *testing.T) {
	r := NewRegistry()
	key := Key{EntityID: "p1", Kind: KindLike}
	r.NoteExternal(key, time.Now().Add(-time.Minute))
	r.Begin(key, true, false)

	_, apply := r.Rollback(key)
	require.True(t, apply)
}

func TestNoteExternalKeepsNewest(t *testing.T) {
	r := NewRegistry()
	key := Key{EntityID: "p1", Kind: KindLike}
	newer := time.Now().Add(time.Hour)
	r.NoteExternal(key, newer)
	// 乱序到达的旧时间戳不回退
	r.NoteExternal(key, newer.Add(-time.Minute))

	r.Begin(key, false, true)
	op, apply := r.Rollback(key)
	require.False(t, apply)
	require.Equal(t, StatusConfirmed, op.Status)
}
