// Package memory implements bus.Broker in-process, standing in for the
// real broker in unit tests the same way pkg/cache/adapters/memory stands
// in for Redis.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/social-interaction-cloud/sic/pkg/concurrency"
)

// queueSize bounds how far a subscription's worker may lag behind
// publishers before Publish blocks, mirroring the back-pressure a real
// broker's socket buffer would apply.
const queueSize = 256

// Broker implements bus.Broker with an in-process fan-out map. Each
// subscription owns one worker goroutine draining its own queue serially,
// so a subscription never sees two deliveries run concurrently or out of
// publication order, matching the redis adapter's one-worker-per-PubSub
// design.
type Broker struct {
	mu        sync.RWMutex
	listeners map[string]map[string]*subscription
	closed    bool
}

type subscription struct {
	handler bus_Handler
	queue   chan []byte
	cancel  context.CancelFunc
}

// bus_Handler avoids an import cycle alias collision; it is bus.Handler.
type bus_Handler = func(ctx context.Context, payload []byte)

// New creates an in-memory broker.
func New() *Broker {
	return &Broker{listeners: make(map[string]map[string]*subscription)}
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.listeners[channel]))
	for _, sub := range b.listeners[channel] {
		subs = append(subs, sub)
	}
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return 0, nil
	}

	for _, sub := range subs {
		select {
		case sub.queue <- payload:
		case <-ctx.Done():
			return len(subs), ctx.Err()
		}
	}
	return len(subs), nil
}

func (b *Broker) Subscribe(ctx context.Context, channel string, handler bus_Handler) (string, error) {
	token := uuid.New().String()
	workerCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		handler: handler,
		queue:   make(chan []byte, queueSize),
		cancel:  cancel,
	}

	b.mu.Lock()
	if b.listeners[channel] == nil {
		b.listeners[channel] = make(map[string]*subscription)
	}
	b.listeners[channel][token] = sub
	b.mu.Unlock()

	concurrency.SafeGo(workerCtx, func() {
		for {
			select {
			case <-workerCtx.Done():
				return
			case payload := <-sub.queue:
				sub.handler(workerCtx, payload)
			}
		}
	})

	return token, nil
}

func (b *Broker) Unsubscribe(token string) error {
	b.mu.Lock()
	var sub *subscription
	for channel, subs := range b.listeners {
		if s, ok := subs[token]; ok {
			sub = s
			delete(subs, token)
			if len(subs) == 0 {
				delete(b.listeners, channel)
			}
			break
		}
	}
	b.mu.Unlock()

	if sub != nil {
		sub.cancel()
	}
	return nil
}

func (b *Broker) Time(ctx context.Context) (int64, int64, error) {
	now := time.Now()
	return now.Unix(), int64(now.Nanosecond() / 1000), nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.listeners {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.closed = true
	b.listeners = make(map[string]map[string]*subscription)
	return nil
}
