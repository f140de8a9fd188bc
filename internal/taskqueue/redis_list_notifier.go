package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisListNotifyPrefix = "enrollment:taskqueue:wake:"

// RedisListNotifier is a distributed, Redis-backed notifier that uses
// LPUSH/BRPOP (push-pull) instead of PUBLISH/SUBSCRIBE.
//
// Advantages over pure pub/sub:
//   - No signal loss: the list persists a wake-up even if no consumer is
//     listening at the moment a task is enqueued.
//   - Natural load balancing: BRPOP delivers each signal to exactly one
//     waiting consumer, spreading wake-ups evenly across worker processes.
//
// Each subscriber goroutine blocks on BRPOP with a short timeout, giving
// near-zero latency delivery while still checking for context
// cancellation periodically.
type RedisListNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[string][]*redisListSub
	closed bool
}

type redisListSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedisListNotifier(client *redis.Client) *RedisListNotifier {
	return &RedisListNotifier{client: client, subs: make(map[string][]*redisListSub)}
}

func (n *RedisListNotifier) Notify(ctx context.Context, route string) error {
	return n.client.LPush(ctx, redisListNotifyPrefix+route, "1").Err()
}

func (n *RedisListNotifier) Subscribe(ctx context.Context, route string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisListSub{ch: ch, cancel: cancel}
	n.subs[route] = append(n.subs[route], rs)
	n.mu.Unlock()

	key := redisListNotifyPrefix + route

	go func() {
		defer func() {
			n.removeSub(route, rs)
			select {
			case <-ch:
			default:
			}
			close(ch)
		}()

		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}

			result, err := n.client.BRPop(subCtx, time.Second, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				select {
				case <-subCtx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}

			if len(result) >= 2 {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}

func (n *RedisListNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
		}
	}
	n.subs = nil
	return nil
}

func (n *RedisListNotifier) removeSub(route string, target *redisListSub) {
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
