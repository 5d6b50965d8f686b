package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
)

// subscriberBuffer is the number of notices queued per watcher before new
// ones are dropped. A dropped notice only delays the watcher's next sync.
const subscriberBuffer = 16

// Notifier fans change notices out to watchers.
type Notifier interface {
	Publish(ctx context.Context, n syncer.Notice) error
	Subscribe(group string) *Subscription
	Close() error
}

// Subscription receives the notices of one group.
type Subscription struct {
	C      <-chan syncer.Notice
	c      chan syncer.Notice
	group  string
	hub    *Hub
	closed bool
}

// Close unsubscribes. C is closed afterwards.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub delivers notices to the watchers connected to this process.
type Hub struct {
	mu     sync.Mutex
	groups map[string]map[*Subscription]struct{}
	logger *slog.Logger
}

var _ Notifier = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{groups: make(map[string]map[*Subscription]struct{}), logger: logger}
}

// Publish delivers n to every subscriber of its group without blocking.
func (h *Hub) Publish(_ context.Context, n syncer.Notice) error {
	h.deliver(n)
	return nil
}

func (h *Hub) deliver(n syncer.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.groups[n.GroupID] {
		select {
		case sub.c <- n:
		default:
			h.logger.Debug("watcher slow; notice dropped", "group", n.GroupID)
		}
	}
}

// Subscribe registers a watcher for group.
func (h *Hub) Subscribe(group string) *Subscription {
	c := make(chan syncer.Notice, subscriberBuffer)
	sub := &Subscription{C: c, c: c, group: group, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.groups[group]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.groups[group] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.groups[sub.group], sub)
	if len(h.groups[sub.group]) == 0 {
		delete(h.groups, sub.group)
	}
	close(sub.c)
}

// Subscribers returns the number of watchers of group.
func (h *Hub) Subscribers(group string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[group])
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	var subs []*Subscription
	for _, g := range h.groups {
		for sub := range g {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range subs {
		h.unsubscribe(sub)
	}
	return nil
}

// redisChannelPrefix namespaces the pub/sub channels, one per group.
const redisChannelPrefix = "crdt:group:"

// RedisNotifier shares notices between relay instances through Redis
// pub/sub. Each instance delivers what it receives to its local hub.
type RedisNotifier struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	hub    *Hub
	logger *slog.Logger
	done   chan struct{}
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier connects to the Redis server at addr and starts relaying
// notices from all groups.
func NewRedisNotifier(ctx context.Context, addr string, logger *slog.Logger) (*RedisNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}

	pubsub := rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		rdb.Close()
		return nil, fmt.Errorf("subscribe redis: %w", err)
	}

	n := &RedisNotifier{
		rdb:    rdb,
		pubsub: pubsub,
		hub:    NewHub(logger),
		logger: logger,
		done:   make(chan struct{}),
	}
	go n.run()
	return n, nil
}

func (n *RedisNotifier) run() {
	defer close(n.done)
	for msg := range n.pubsub.Channel() {
		var notice syncer.Notice
		if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
			n.logger.Warn("bad notice on redis", "channel", msg.Channel, "error", err)
			continue
		}
		if notice.GroupID == "" {
			notice.GroupID = strings.TrimPrefix(msg.Channel, redisChannelPrefix)
		}
		n.hub.deliver(notice)
	}
}

// Publish sends the notice to every relay instance, this one included.
func (n *RedisNotifier) Publish(ctx context.Context, notice syncer.Notice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	if err := n.rdb.Publish(ctx, redisChannelPrefix+notice.GroupID, data).Err(); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// Subscribe registers a local watcher.
func (n *RedisNotifier) Subscribe(group string) *Subscription {
	return n.hub.Subscribe(group)
}

// Close stops relaying and disconnects.
func (n *RedisNotifier) Close() error {
	err := n.pubsub.Close()
	<-n.done
	n.hub.Close()
	if cerr := n.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}
