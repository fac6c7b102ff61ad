package usercache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/community-realtime/internal/model"
	"github.com/d60-Lab/community-realtime/internal/repository"
)

type countingRepo struct {
	users map[string]*model.User
	loads atomic.Int64
}

func (r *countingRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	r.loads.Add(1)
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (r *countingRepo) GetByIDs(ctx context.Context, ids []string) (map[string]*model.User, error) {
	r.loads.Add(1)
	res := make(map[string]*model.User)
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			res[id] = u
		}
	}
	return res, nil
}

func (r *countingRepo) SearchByName(ctx context.Context, query string, limit int) ([]*model.User, error) {
	r.loads.Add(1)
	return nil, nil
}

func setupCache(t *testing.T) (*Cache, *countingRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	repo := &countingRepo{users: map[string]*model.User{
		"u1": {ID: "u1", FullName: "Alice"},
		"u2": {ID: "u2", FullName: "Bob"},
	}}
	return New(repo, rdb, time.Minute), repo, mr
}

func TestGetByIDCacheAside(t *testing.T) {
	c, repo, _ := setupCache(t)
	ctx := context.Background()

	u, err := c.GetByID(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Alice", u.FullName)
	require.EqualValues(t, 1, repo.loads.Load())

	// 第二次命中缓存，不回源
	u, err = c.GetByID(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Alice", u.FullName)
	require.EqualValues(t, 1, repo.loads.Load())
	require.EqualValues(t, 1, c.Counters().Hits)

	_, err = c.GetByID(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGetByIDsLoadsOnlyMissing(t *testing.T) {
	c, repo, _ := setupCache(t)
	ctx := context.Background()

	// u1 先入缓存
	_, err := c.GetByID(ctx, "u1")
	require.NoError(t, err)
	repo.loads.Store(0)

	res, err := c.GetByIDs(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	// 只有 u2 回源，且回源结果写入缓存
	require.EqualValues(t, 1, repo.loads.Load())

	repo.loads.Store(0)
	res, err = c.GetByIDs(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.EqualValues(t, 0, repo.loads.Load())
}

func TestInvalidateDropsEntry(t *testing.T) {
	c, repo, _ := setupCache(t)
	ctx := context.Background()

	_, _ = c.GetByID(ctx, "u1")
	c.Invalidate(ctx, "u1")
	repo.users["u1"] = &model.User{ID: "u1", FullName: "Alice Renamed"}

	u, err := c.GetByID(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Alice Renamed", u.FullName)
}

func TestTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	repo := &countingRepo{users: map[string]*model.User{"u1": {ID: "u1", FullName: "Alice"}}}
	c := New(repo, rdb, time.Second)
	ctx := context.Background()

	_, _ = c.GetByID(ctx, "u1")
	mr.FastForward(2 * time.Second)

	repo.loads.Store(0)
	_, err := c.GetByID(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, repo.loads.Load())
}

func TestEmptyIDs(t *testing.T) {
	c, repo, _ := setupCache(t)
	res, err := c.GetByIDs(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, res)
	require.EqualValues(t, 0, repo.loads.Load())
}
