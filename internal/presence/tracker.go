package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/community-realtime/pkg/logger"
)

const channelPrefix = "presence:"

// heartbeat 广播负载；Leaving 为 true 时立即从在线集合移除
type heartbeat struct {
	UserID  string    `json:"user_id"`
	At      time.Time `json:"at"`
	Leaving bool      `json:"leaving,omitempty"`
}

// Tracker 维护一个作用域的在线用户集合。
// 用户在线 iff 新鲜度窗口内收到过心跳；窗口至少容忍一次心跳丢失，避免抖动。
type Tracker struct {
	scope    string
	rdb      *redis.Client
	interval time.Duration
	window   time.Duration

	mu         sync.Mutex
	lastSeen   map[string]time.Time
	publishers map[string]int // selfID -> join 计数

	pubsub *redis.PubSub
	stop   chan struct{}
	wg     sync.WaitGroup
}

func newTracker(rdb *redis.Client, scope string, interval, window time.Duration) *Tracker {
	return &Tracker{
		scope:      scope,
		rdb:        rdb,
		interval:   interval,
		window:     window,
		lastSeen:   make(map[string]time.Time),
		publishers: make(map[string]int),
		stop:       make(chan struct{}),
	}
}

func (t *Tracker) start(ctx context.Context) {
	t.pubsub = t.rdb.Subscribe(ctx, channelPrefix+t.scope)

	t.wg.Add(2)
	go t.receiveLoop()
	go t.publishLoop()
}

// IsOnline 查询用户是否在线
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.lastSeen[userID]
	return ok && time.Since(at) <= t.window
}

func (t *Tracker) addPublisher(selfID string) {
	t.mu.Lock()
	t.publishers[selfID]++
	t.mu.Unlock()
	// 立即上线，不等第一个 tick
	t.beat(selfID, false)
}

func (t *Tracker) removePublisher(selfID string) (empty bool) {
	t.mu.Lock()
	t.publishers[selfID]--
	if t.publishers[selfID] <= 0 {
		delete(t.publishers, selfID)
		t.mu.Unlock()
		t.beat(selfID, true)
	} else {
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.publishers) == 0
}

func (t *Tracker) beat(selfID string, leaving bool) {
	payload, _ := json.Marshal(heartbeat{UserID: selfID, At: time.Now(), Leaving: leaving})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.rdb.Publish(ctx, channelPrefix+t.scope, payload).Err(); err != nil {
		logger.Warn("presence heartbeat publish failed",
			zap.String("scope", t.scope), zap.Error(err))
	}
}

func (t *Tracker) publishLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			selves := make([]string, 0, len(t.publishers))
			for id := range t.publishers {
				selves = append(selves, id)
			}
			// 顺手回收过期表项
			cutoff := time.Now().Add(-2 * t.window)
			for id, at := range t.lastSeen {
				if at.Before(cutoff) {
					delete(t.lastSeen, id)
				}
			}
			t.mu.Unlock()
			for _, id := range selves {
				t.beat(id, false)
			}
		}
	}
}

func (t *Tracker) receiveLoop() {
	defer t.wg.Done()
	for {
		msg, err := t.pubsub.ReceiveMessage(context.Background())
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
			}
			time.Sleep(time.Second)
			continue
		}
		var hb heartbeat
		if err := json.Unmarshal([]byte(msg.Payload), &hb); err != nil {
			continue
		}
		t.mu.Lock()
		if hb.Leaving {
			delete(t.lastSeen, hb.UserID)
		} else {
			t.lastSeen[hb.UserID] = time.Now()
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) close() {
	close(t.stop)
	if t.pubsub != nil {
		_ = t.pubsub.Close()
	}
	t.wg.Wait()
}
