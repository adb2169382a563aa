package bus

import (
	"context"
	"fmt"

	busmemory "github.com/social-interaction-cloud/sic/pkg/bus/adapters/memory"
	busredis "github.com/social-interaction-cloud/sic/pkg/bus/adapters/redis"
	"github.com/social-interaction-cloud/sic/pkg/cache"
	memorycache "github.com/social-interaction-cloud/sic/pkg/cache/adapters/memory"
	cacheredis "github.com/social-interaction-cloud/sic/pkg/cache/adapters/redis"
	"github.com/social-interaction-cloud/sic/pkg/concurrency/distlock"
	distlockmemory "github.com/social-interaction-cloud/sic/pkg/concurrency/distlock/adapters/memory"
	distlockredis "github.com/social-interaction-cloud/sic/pkg/concurrency/distlock/adapters/redis"
)

// New builds a Bus from cfg: it dials the selected pub/sub Broker, wires
// the matching distlock/cache drivers for the key-value surface, and
// layers tracing/logging and (optionally) retry + circuit breaker
// decorators around the whole thing, mirroring the way the teacher's
// messaging package composes ResilientBroker around InstrumentedBroker.
func New(ctx context.Context, cfg Config) (Bus, error) {
	var (
		broker Broker
		locker distlock.Locker
		store  cache.Cache
	)

	switch cfg.Driver {
	case "memory":
		broker = busmemory.New()
	case "redis", "":
		addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
		dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		b, err := busredis.Dial(dialCtx, addr, cfg.Password, cfg.TLSCertPath)
		if err != nil {
			return nil, err
		}
		broker = b
	default:
		return nil, ErrInvalidConfig("unknown bus driver: " + cfg.Driver)
	}

	switch cfg.lockDriver() {
	case "memory":
		locker = distlockmemory.New()
	case "redis", "":
		if rb, ok := broker.(*busredis.Broker); ok {
			locker = distlockredis.New(rb.Client(), "sic:")
		} else {
			locker = distlockmemory.New()
		}
	default:
		return nil, ErrInvalidConfig("unknown lock driver: " + cfg.LockDriver)
	}

	switch cfg.cacheDriver() {
	case "memory":
		store = memorycache.New()
	case "redis", "":
		cacheCfg := cache.Config{Driver: "redis", Host: cfg.Host, Port: cfg.Port, Password: cfg.Password}
		cs, err := cacheredis.New(cacheCfg)
		if err != nil {
			return nil, err
		}
		store = cs
	default:
		return nil, ErrInvalidConfig("unknown cache driver: " + cfg.CacheDriver)
	}

	var b Bus = NewBus(broker, locker, store)
	b = NewInstrumentedBus(b)
	if cfg.Resilience.CircuitBreakerEnabled || cfg.Resilience.RetryEnabled {
		b = NewResilientBus(b, cfg.Resilience)
	}
	return b, nil
}
