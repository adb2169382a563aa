package bus

import (
	"context"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/resilience"
)

// ResilientBus wraps a Bus with circuit breaker and retry support around
// Publish and the key-value operations, the same decorator shape as
// pkg/messaging's ResilientBroker.
type ResilientBus struct {
	next     Bus
	cb       *resilience.CircuitBreaker
	retryCfg resilience.RetryConfig
}

// NewResilientBus wraps next with resilience features from cfg.
func NewResilientBus(next Bus, cfg ResilienceConfig) *ResilientBus {
	rb := &ResilientBus{next: next}

	if cfg.CircuitBreakerEnabled {
		rb.cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "bus",
			FailureThreshold: cfg.CircuitBreakerThreshold,
			SuccessThreshold: 2,
			Timeout:          cfg.CircuitBreakerTimeout,
		})
	}
	if cfg.RetryEnabled {
		rb.retryCfg = resilience.RetryConfig{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: cfg.RetryBackoff,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
		}
	}
	return rb
}

func (b *ResilientBus) execute(ctx context.Context, fn resilience.Executor) error {
	operation := fn
	if b.cb != nil {
		cbFn := operation
		operation = func(ctx context.Context) error {
			return b.cb.Execute(ctx, cbFn)
		}
	}
	if b.retryCfg.MaxAttempts > 0 {
		return resilience.Retry(ctx, b.retryCfg, operation)
	}
	return operation(ctx)
}

func (b *ResilientBus) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	var n int
	err := b.execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = b.next.Publish(ctx, channel, payload)
		return err
	})
	return n, err
}

func (b *ResilientBus) Subscribe(ctx context.Context, channel string, handler Handler) (string, error) {
	// Subscriptions are long-lived; retrying an established subscription
	// would duplicate delivery, so only the initial dial is retried.
	var token string
	err := b.execute(ctx, func(ctx context.Context) error {
		var err error
		token, err = b.next.Subscribe(ctx, channel, handler)
		return err
	})
	return token, err
}

func (b *ResilientBus) Unsubscribe(token string) error {
	return b.next.Unsubscribe(token)
}

func (b *ResilientBus) Time(ctx context.Context) (int64, int64, error) {
	var sec, usec int64
	err := b.execute(ctx, func(ctx context.Context) error {
		var err error
		sec, usec, err = b.next.Time(ctx)
		return err
	})
	return sec, usec, err
}

func (b *ResilientBus) Close() error {
	return b.next.Close()
}

func (b *ResilientBus) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	var ok bool
	err := b.execute(ctx, func(ctx context.Context) error {
		var err error
		ok, err = b.next.SetIfAbsent(ctx, key, value)
		return err
	})
	return ok, err
}

func (b *ResilientBus) DeleteReservation(ctx context.Context, key string) error {
	return b.execute(ctx, func(ctx context.Context) error {
		return b.next.DeleteReservation(ctx, key)
	})
}

func (b *ResilientBus) PutDataStream(ctx context.Context, key string, value interface{}) error {
	return b.execute(ctx, func(ctx context.Context) error {
		return b.next.PutDataStream(ctx, key, value)
	})
}

func (b *ResilientBus) GetDataStream(ctx context.Context, key string, dest interface{}) error {
	return b.execute(ctx, func(ctx context.Context) error {
		return b.next.GetDataStream(ctx, key, dest)
	})
}

func (b *ResilientBus) DeleteDataStream(ctx context.Context, key string) error {
	return b.execute(ctx, func(ctx context.Context) error {
		return b.next.DeleteDataStream(ctx, key)
	})
}
