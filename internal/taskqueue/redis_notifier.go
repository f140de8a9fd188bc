package taskqueue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "enrollment:taskqueue:notify:"

// RedisNotifier is a distributed, Redis-backed notifier that uses
// PUBLISH/SUBSCRIBE to broadcast queue signals across every worker
// process. Unlike RedisListNotifier it has no memory: a signal published
// while nobody is subscribed is lost, and every subscriber (not just one)
// wakes up per publish. That broadcast-to-all shape fits cross-node
// cache invalidation (e.g. waking every node's local IsRevoked cache)
// better than it fits load-balanced task consumption, where
// RedisListNotifier's single-delivery semantics are preferred.
type RedisNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[string][]*redisPubSubSub
	closed bool
}

type redisPubSubSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, subs: make(map[string][]*redisPubSubSub)}
}

func (n *RedisNotifier) Notify(ctx context.Context, route string) error {
	return n.client.Publish(ctx, redisChannelPrefix+route, "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, route string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisPubSubSub{ch: ch, cancel: cancel}
	n.subs[route] = append(n.subs[route], rs)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, redisChannelPrefix+route)

	go func() {
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				n.removeSub(route, rs)
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
			close(s.ch)
		}
	}
	n.subs = nil
	return nil
}

func (n *RedisNotifier) removeSub(route string, target *redisPubSubSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[route]
	for i, s := range subs {
		if s == target {
			n.subs[route] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

var _ Notifier = (*RedisNotifier)(nil)
