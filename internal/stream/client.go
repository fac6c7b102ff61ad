package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/community-realtime/pkg/logger"
)

// ErrChannelUnavailable 重连耗尽后上抛；客户端继续在后台重试
var ErrChannelUnavailable = errors.New("change stream unavailable")

const (
	channelPrefix = "changes:"
	// 重连时无活跃作用域的占位频道，首个真实订阅到来时释放
	idleChannel = channelPrefix + "_idle"
)

// Handle 一个作用域上的订阅句柄；Close/Unsubscribe 幂等
type Handle struct {
	id    uint64
	scope string
	ch    chan Event
	once  sync.Once
	c     *Client
}

// Events 返回该句柄的事件通道；客户端关闭句柄后通道被 close
func (h *Handle) Events() <-chan Event { return h.ch }

// Scope 返回句柄订阅的作用域
func (h *Handle) Scope() string { return h.scope }

// Options 重连退避参数
type Options struct {
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	ReconnectRetries int
}

func (o *Options) withDefaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 200 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 10 * time.Second
	}
	if o.ReconnectRetries <= 0 {
		o.ReconnectRetries = 8
	}
}

// Client 变更通知订阅/发布的薄封装。
// 负责通道生命周期与重连；传输中断时自动重建订阅，消费端需容忍由此产生的重复投递。
type Client struct {
	rdb  *redis.Client
	opts Options

	mu      sync.Mutex
	handles map[string]map[uint64]*Handle // scope -> handle id -> handle
	nextID  uint64
	pubsub  *redis.PubSub

	errs   chan error
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
	idle   bool
}

func NewClient(rdb *redis.Client, opts Options) *Client {
	opts.withDefaults()
	return &Client{
		rdb:     rdb,
		opts:    opts,
		handles: make(map[string]map[uint64]*Handle),
		errs:    make(chan error, 4),
		stop:    make(chan struct{}),
	}
}

// Errors 返回通道级故障的只读通道（重连耗尽时收到 ErrChannelUnavailable）
func (c *Client) Errors() <-chan error { return c.errs }

// Subscribe 注册对一个作用域的兴趣并返回句柄
func (c *Client) Subscribe(ctx context.Context, scope string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelUnavailable
	}

	c.nextID++
	h := &Handle{id: c.nextID, scope: scope, ch: make(chan Event, 256), c: c}

	first := len(c.handles[scope]) == 0
	if c.handles[scope] == nil {
		c.handles[scope] = make(map[uint64]*Handle)
	}
	c.handles[scope][h.id] = h

	if c.pubsub == nil {
		c.pubsub = c.rdb.Subscribe(ctx, channelPrefix+scope)
		c.wg.Add(1)
		go c.receiveLoop()
	} else if first {
		if err := c.pubsub.Subscribe(ctx, channelPrefix+scope); err != nil {
			delete(c.handles[scope], h.id)
			return nil, err
		}
		if c.idle {
			_ = c.pubsub.Unsubscribe(ctx, idleChannel)
			c.idle = false
		}
	}
	return h, nil
}

// Unsubscribe 释放句柄；幂等，重复调用无副作用
func (c *Client) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if hs, ok := c.handles[h.scope]; ok {
			delete(hs, h.id)
			if len(hs) == 0 {
				delete(c.handles, h.scope)
				if c.pubsub != nil {
					_ = c.pubsub.Unsubscribe(context.Background(), channelPrefix+h.scope)
				}
			}
		}
		close(h.ch)
	})
}

// Publish 向作用域发布变更事件（写路径在落库后调用，充当数据服务的变更推送）
func (c *Client) Publish(ctx context.Context, scope string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, channelPrefix+scope, payload).Err()
}

// Close 停止接收并关闭全部句柄
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ps := c.pubsub
	c.pubsub = nil
	for scope, hs := range c.handles {
		for _, h := range hs {
			h.once.Do(func() { close(h.ch) })
		}
		delete(c.handles, scope)
	}
	c.mu.Unlock()

	close(c.stop)
	if ps != nil {
		_ = ps.Close()
	}
	c.wg.Wait()
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	fails := 0
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.mu.Lock()
		ps := c.pubsub
		c.mu.Unlock()
		if ps == nil {
			return
		}

		msg, err := ps.ReceiveMessage(context.Background())
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			fails++
			if fails == c.opts.ReconnectRetries {
				// 有界重试耗尽：上抛 ChannelError，之后继续以最大退避重试
				select {
				case c.errs <- ErrChannelUnavailable:
				default:
				}
			}
			logger.Warn("change stream receive failed, reconnecting",
				zap.Int("attempt", fails), zap.Error(err))
			time.Sleep(c.backoff(fails))
			c.resubscribe()
			continue
		}
		fails = 0
		c.dispatch(msg)
	}
}

// resubscribe 重建 pubsub 并恢复全部活跃作用域
func (c *Client) resubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.pubsub != nil {
		_ = c.pubsub.Close()
	}
	channels := make([]string, 0, len(c.handles))
	for scope := range c.handles {
		channels = append(channels, channelPrefix+scope)
	}
	c.idle = len(channels) == 0
	if c.idle {
		channels = append(channels, idleChannel)
	}
	c.pubsub = c.rdb.Subscribe(context.Background(), channels...)
}

func (c *Client) dispatch(msg *redis.Message) {
	scope := strings.TrimPrefix(msg.Channel, channelPrefix)
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		logger.Warn("drop malformed change event", zap.String("scope", scope), zap.Error(err))
		return
	}

	// 投递与 close(h.ch) 同锁串行，句柄关闭后不可能再有在途发送
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.handles[scope] {
		select {
		case h.ch <- ev:
		default:
			logger.Warn("subscriber queue full, drop event",
				zap.String("scope", scope), zap.String("event", ev.ID))
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.ReconnectBase << uint(attempt-1)
	if d <= 0 || d > c.opts.ReconnectMax {
		return c.opts.ReconnectMax
	}
	return d
}
