package bus

import (
	"context"
	"sync"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/cache"
	"github.com/social-interaction-cloud/sic/pkg/concurrency/distlock"
)

// coreBus composes a pub/sub Broker with the distlock/cache backends that
// implement the reservation and data-stream key-value surface.
type coreBus struct {
	Broker

	locker distlock.Locker
	store  cache.Cache

	mu    sync.Mutex
	locks map[string]distlock.Lock
}

// NewBus composes a Broker with a Locker (reservations) and a Cache
// (data-stream descriptors) into a full Bus. Exported so adapter-specific
// constructors (and tests) can wire their own combination.
func NewBus(broker Broker, locker distlock.Locker, store cache.Cache) Bus {
	return &coreBus{
		Broker: broker,
		locker: locker,
		store:  store,
		locks:  make(map[string]distlock.Lock),
	}
}

func (b *coreBus) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	lock := b.locker.NewLock(key, ReservationTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	b.mu.Lock()
	b.locks[key] = lock
	b.mu.Unlock()
	return true, nil
}

func (b *coreBus) DeleteReservation(ctx context.Context, key string) error {
	b.mu.Lock()
	lock, ok := b.locks[key]
	if ok {
		delete(b.locks, key)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return lock.Release(ctx)
}

func (b *coreBus) PutDataStream(ctx context.Context, key string, value interface{}) error {
	return b.store.Set(ctx, key, value, 0)
}

func (b *coreBus) GetDataStream(ctx context.Context, key string, dest interface{}) error {
	return b.store.Get(ctx, key, dest)
}

func (b *coreBus) DeleteDataStream(ctx context.Context, key string) error {
	return b.store.Delete(ctx, key)
}

func (b *coreBus) Close() error {
	b.mu.Lock()
	locks := b.locks
	b.locks = make(map[string]distlock.Lock)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, lock := range locks {
		_ = lock.Release(ctx)
	}

	_ = b.locker.Close()
	_ = b.store.Close()
	return b.Broker.Close()
}
