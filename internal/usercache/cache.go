package usercache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/community-realtime/internal/model"
	"github.com/d60-Lab/community-realtime/internal/repository"
)

// Cache 用户资料的 cache-aside 层，实现 repository.UserRepository。
// 聚合装载按帖子/消息批量取作者，这里用 MGet 吸收热点；
// 搜索直通底层存储（模糊查询不缓存）。
type Cache struct {
	next  repository.UserRepository
	cache *redis.Client
	ttl   time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

func New(next repository.UserRepository, cache *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{next: next, cache: cache, ttl: ttl}
}

func key(id string) string { return "user:" + id }

func (c *Cache) GetByID(ctx context.Context, id string) (*model.User, error) {
	if data, err := c.cache.Get(ctx, key(id)).Bytes(); err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			c.hits.Add(1)
			return &u, nil
		}
	}
	c.misses.Add(1)

	u, err := c.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, u)
	return u, nil
}

func (c *Cache) GetByIDs(ctx context.Context, ids []string) (map[string]*model.User, error) {
	res := make(map[string]*model.User, len(ids))
	if len(ids) == 0 {
		return res, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	if vals, err := c.cache.MGet(ctx, keys...).Result(); err == nil {
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var u model.User
			if json.Unmarshal([]byte(str), &u) == nil {
				res[ids[i]] = &u
			}
		}
	}

	var missing []string
	for _, id := range ids {
		if _, ok := res[id]; !ok {
			missing = append(missing, id)
		}
	}
	c.hits.Add(int64(len(ids) - len(missing)))
	if len(missing) == 0 {
		return res, nil
	}
	c.misses.Add(int64(len(missing)))

	loaded, err := c.next.GetByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, u := range loaded {
		res[id] = u
		c.store(ctx, u)
	}
	return res, nil
}

func (c *Cache) SearchByName(ctx context.Context, query string, limit int) ([]*model.User, error) {
	return c.next.SearchByName(ctx, query, limit)
}

// Invalidate 资料变更后调用，丢弃缓存副本
func (c *Cache) Invalidate(ctx context.Context, id string) {
	_ = c.cache.Del(ctx, key(id)).Err()
}

func (c *Cache) store(ctx context.Context, u *model.User) {
	payload, err := json.Marshal(u)
	if err != nil {
		return
	}
	_ = c.cache.Set(ctx, key(u.ID), payload, c.ttl).Err()
}

// Counters 命中/未命中统计
type Counters struct {
	Hits   int64
	Misses int64
}

func (c *Cache) Counters() Counters {
	return Counters{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// ResetCounters 清零统计
func (c *Cache) ResetCounters() {
	c.hits.Store(0)
	c.misses.Store(0)
}

var _ repository.UserRepository = (*Cache)(nil)
