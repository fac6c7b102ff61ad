package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/d60-Lab/community-realtime/config"
	"github.com/d60-Lab/community-realtime/internal/model"
	"github.com/d60-Lab/community-realtime/internal/optimistic"
	"github.com/d60-Lab/community-realtime/internal/repository"
	"github.com/d60-Lab/community-realtime/internal/service"
	"github.com/d60-Lab/community-realtime/internal/stream"
	"github.com/d60-Lab/community-realtime/pkg/database"
	"github.com/d60-Lab/community-realtime/pkg/logger"
	"github.com/d60-Lab/community-realtime/pkg/redisx"
)

func must[T any](v T, err error) T { if err != nil { panic(err) }; return v }

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 { return 0 }
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 { k = 0 }
	if k >= len(xs) { k = len(xs)-1 }
	return xs[k]
}

// Measures like-write latency and write-to-subscriber landing latency
// over the Redis change channel.
func main() {
	cfg := must(config.Load())
	_ = logger.Init("release")
	db := must(database.InitDB(cfg))
	must(0, database.Migrate(db))
	rdb := must(redisx.New(cfg))

	N := 5000
	if s := os.Getenv("N"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 { N = n }
	}
	CONC := 4
	if s := os.Getenv("CONC"); s != "" {
		if c, err := strconv.Atoi(s); err == nil && c > 0 { CONC = c }
	}

	ctx := context.Background()

	posts := repository.NewPostRepository(db)
	likes := repository.NewLikeRepository(db)
	comments := repository.NewCommentRepository(db)
	users := repository.NewUserRepository(db)
	sc := stream.NewClient(rdb, stream.Options{})
	defer sc.Close()
	coord := optimistic.NewCoordinator(optimistic.NewRegistry(), 5*time.Second)
	community := service.NewCommunityService(posts, likes, comments, users, sc, coord, 20)

	// seed one author, one post, N likers
	author := &model.User{ID: uuid.New().String(), FullName: "bench-author"}
	_ = db.Create(author).Error
	post := must(community.CreatePost(ctx, author.ID, "bench post", nil))
	likers := make([]*model.User, N)
	for i := range likers {
		likers[i] = &model.User{ID: uuid.New().String(), FullName: fmt.Sprintf("bench-%d", i)}
		if (i+1)%1000 == 0 {
			_ = db.Create(likers[i+1-1000 : i+1]).Error
		}
	}
	if N%1000 != 0 {
		_ = db.Create(likers[N-N%1000:]).Error
	}

	// subscriber timing: like row id -> write start, matched on event receipt
	var mu sync.Mutex
	started := make(map[string]time.Time, N)
	landRecs := make([]time.Duration, 0, N)
	h := must(sc.Subscribe(ctx, stream.FeedScope()))
	landDone := make(chan struct{})
	go func() {
		defer close(landDone)
		seen := 0
		for ev := range h.Events() {
			if ev.Table != "post_likes" || ev.Op != stream.OpInsert {
				continue
			}
			var row model.Like
			if json.Unmarshal(ev.Row, &row) != nil {
				continue
			}
			mu.Lock()
			if st, ok := started[row.ID]; ok {
				landRecs = append(landRecs, time.Since(st))
				delete(started, row.ID)
				seen++
			}
			done := seen == N
			mu.Unlock()
			if done {
				return
			}
		}
	}()

	writeRecs := make([]time.Duration, 0, N)
	writeCh := make(chan time.Duration, N)
	feed := make(chan int, N)
	for i := 0; i < N; i++ { feed <- i }
	close(feed)

	t0 := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < CONC; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range feed {
				st := time.Now()
				rowID, err := community.Like(ctx, post.ID, likers[i].ID)
				d := time.Since(st)
				if err != nil {
					continue
				}
				mu.Lock()
				started[rowID] = st
				mu.Unlock()
				writeCh <- d
			}
		}()
	}
	wg.Wait()
	close(writeCh)
	for d := range writeCh { writeRecs = append(writeRecs, d) }
	total := time.Since(t0)

	select {
	case <-landDone:
	case <-time.After(30 * time.Second):
		fmt.Println("warning: landing wait timed out")
	}
	sc.Unsubscribe(h)

	fmt.Printf("N=%d, CONC=%d\n", N, CONC)
	fmt.Printf("Like write: total=%v, per op=%v, p50=%v, p95=%v, p99=%v\n",
		total, total/time.Duration(N), pct(writeRecs, 0.50), pct(writeRecs, 0.95), pct(writeRecs, 0.99))
	fmt.Printf("Event landing: samples=%d, p50=%v, p95=%v, p99=%v\n",
		len(landRecs), pct(landRecs, 0.50), pct(landRecs, 0.95), pct(landRecs, 0.99))

	final := must(posts.GetByID(ctx, post.ID))
	fmt.Printf("Final like_count=%d (rows are ground truth)\n", final.LikeCount)
}
