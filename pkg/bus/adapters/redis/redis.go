// Package redis implements bus.Broker on top of Redis pub/sub, the
// transport the original Social Interaction Cloud runtime uses.
package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/social-interaction-cloud/sic/pkg/bus"
	"github.com/social-interaction-cloud/sic/pkg/concurrency"
	"github.com/social-interaction-cloud/sic/pkg/logger"
)

// Broker implements bus.Broker using a Redis connection. It boots without
// TLS first and falls back to TLS with a bundled CA on connection failure,
// matching the original runtime's bootstrap sequence.
type Broker struct {
	client *goredis.Client

	mu   sync.Mutex
	subs map[string]*subscription

	closeOnce sync.Once
}

type subscription struct {
	channel string
	pubsub  *goredis.PubSub
	cancel  context.CancelFunc
}

// Dial connects to Redis at addr, trying without TLS first and retrying
// with TLS (using the certificate at tlsCertPath, if set) on failure.
func Dial(ctx context.Context, addr, password, tlsCertPath string) (*Broker, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err == nil {
		return &Broker{client: client, subs: make(map[string]*subscription)}, nil
	}
	_ = client.Close()

	tlsConfig, err := loadTLSConfig(tlsCertPath)
	if err != nil {
		return nil, bus.ErrConnectionFailed(err)
	}
	client = goredis.NewClient(&goredis.Options{
		Addr:      addr,
		Password:  password,
		TLSConfig: tlsConfig,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, bus.ErrConnectionFailed(err)
	}
	return &Broker{client: client, subs: make(map[string]*subscription)}, nil
}

func loadTLSConfig(certPath string) (*tls.Config, error) {
	if certPath == "" {
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
	pem, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("redis: no certificates found in %s", certPath)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Client exposes the underlying redis client so bus.New can hand it to the
// matching distlock/cache adapters without opening a second connection.
func (b *Broker) Client() *goredis.Client {
	return b.client
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	n, err := b.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, bus.ErrPublishFailed(err)
	}
	return int(n), nil
}

func (b *Broker) Subscribe(ctx context.Context, channel string, handler bus.Handler) (string, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return "", bus.ErrSubscribeFailed(err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	token := uuid.New().String()

	b.mu.Lock()
	b.subs[token] = &subscription{channel: channel, pubsub: ps, cancel: cancel}
	b.mu.Unlock()

	concurrency.SafeGo(workerCtx, func() {
		ch := ps.Channel()
		for {
			select {
			case <-workerCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(workerCtx, []byte(msg.Payload))
			}
		}
	})

	return token, nil
}

func (b *Broker) Unsubscribe(token string) error {
	b.mu.Lock()
	sub, ok := b.subs[token]
	if ok {
		delete(b.subs, token)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	sub.cancel()
	return sub.pubsub.Close()
}

func (b *Broker) Time(ctx context.Context) (int64, int64, error) {
	t, err := b.client.Time(ctx).Result()
	if err != nil {
		return 0, 0, bus.ErrConnectionFailed(err)
	}
	return t.Unix(), int64(t.Nanosecond() / 1000), nil
}

func (b *Broker) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		subs := b.subs
		b.subs = make(map[string]*subscription)
		b.mu.Unlock()

		for token, sub := range subs {
			sub.cancel()
			if err := sub.pubsub.Close(); err != nil {
				logger.L().Warn("error closing bus subscription", "token", token, "error", err)
			}
		}
		closeErr = b.client.Close()
	})
	return closeErr
}
