package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/community-realtime/config"
	"github.com/d60-Lab/community-realtime/internal/model"
	"github.com/d60-Lab/community-realtime/internal/repository"
	"github.com/d60-Lab/community-realtime/internal/usercache"
	"github.com/d60-Lab/community-realtime/pkg/database"
)

func must[T any](v T, err error) T { if err != nil { panic(err) }; return v }

// Compares direct author lookups against the cache-aside layer under a
// zipf-ish access pattern (feed pages hammer the same hot authors).
func main() {
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	must(0, database.Migrate(db))
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
	})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("redis at %s: %v", cfg.Redis.Addr, err))
	}

	USERS := 5000
	if s := os.Getenv("USERS"); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 { USERS = v }
	}
	REQS := 20000
	if s := os.Getenv("REQS"); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 { REQS = v }
	}
	BATCH := 20 // authors per feed page
	if s := os.Getenv("BATCH"); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 { BATCH = v }
	}

	fmt.Println("Seeding users...")
	users := make([]model.User, USERS)
	for i := range users {
		users[i] = model.User{ID: uuid.NewString(), FullName: fmt.Sprintf("user_%d", i)}
	}
	must(0, db.CreateInBatches(&users, 1000).Error)

	repo := repository.NewUserRepository(db)
	cached := usercache.New(repo, client, 10*time.Minute)

	// 热点分布：80% 的请求落在 10% 的作者上
	pick := func() string {
		if rand.Intn(10) < 8 {
			return users[rand.Intn(USERS/10)].ID
		}
		return users[rand.Intn(USERS)].ID
	}
	batches := make([][]string, REQS/BATCH)
	for i := range batches {
		ids := make([]string, BATCH)
		for j := range ids {
			ids[j] = pick()
		}
		batches[i] = ids
	}

	t0 := time.Now()
	for _, ids := range batches {
		if _, err := repo.GetByIDs(ctx, ids); err != nil {
			panic(err)
		}
	}
	direct := time.Since(t0)

	t1 := time.Now()
	for _, ids := range batches {
		if _, err := cached.GetByIDs(ctx, ids); err != nil {
			panic(err)
		}
	}
	warm := time.Since(t1)

	// 第二轮全部命中
	cached.ResetCounters()
	t2 := time.Now()
	for _, ids := range batches {
		if _, err := cached.GetByIDs(ctx, ids); err != nil {
			panic(err)
		}
	}
	hot := time.Since(t2)
	c := cached.Counters()

	fmt.Printf("USERS=%d, REQS=%d, BATCH=%d\n", USERS, REQS, BATCH)
	fmt.Printf("Direct DB:     total=%v, per batch=%v\n", direct, direct/time.Duration(len(batches)))
	fmt.Printf("Cache (cold):  total=%v, per batch=%v\n", warm, warm/time.Duration(len(batches)))
	fmt.Printf("Cache (hot):   total=%v, per batch=%v, hits=%d, misses=%d\n",
		hot, hot/time.Duration(len(batches)), c.Hits, c.Misses)
}
