package tests

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/bus"
	busmemory "github.com/social-interaction-cloud/sic/pkg/bus/adapters/memory"
	cachememory "github.com/social-interaction-cloud/sic/pkg/cache/adapters/memory"
	"github.com/social-interaction-cloud/sic/pkg/buslogger"
	distlockmemory "github.com/social-interaction-cloud/sic/pkg/concurrency/distlock/adapters/memory"
	"github.com/social-interaction-cloud/sic/pkg/envelope"
	"github.com/social-interaction-cloud/sic/pkg/test"
)

type BusLoggerSuite struct {
	*test.Suite
	b bus.Bus
}

func TestBusLoggerSuite(t *testing.T) {
	test.Run(t, &BusLoggerSuite{Suite: test.NewSuite()})
}

func (s *BusLoggerSuite) SetupTest() {
	s.Suite.SetupTest()
	s.b = bus.NewBus(busmemory.New(), distlockmemory.New(), cachememory.New())
}

func (s *BusLoggerSuite) TestHandlerMirrorsRecordToLogChannel() {
	var mu sync.Mutex
	var received string
	done := make(chan struct{})

	token, err := s.b.Subscribe(s.Ctx, buslogger.LogChannel, func(ctx context.Context, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		env, err := envelope.DecodeBytes(payload)
		if err != nil {
			return
		}
		var msg buslogger.Message
		if jsonErr := json.Unmarshal(env.Payload, &msg); jsonErr == nil {
			received = msg.Msg
		}
		close(done)
	})
	s.Require().NoError(err)
	defer s.b.Unsubscribe(token)

	base := slog.NewTextHandler(discard{}, nil)
	h := buslogger.NewHandler(base, s.b, "Echo")
	l := slog.New(h)
	l.Info("hello world")

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("expected mirrored log line on bus channel")
	}

	mu.Lock()
	defer mu.Unlock()
	s.Contains(received, "hello world")
	s.Contains(received, "Echo")
}

func (s *BusLoggerSuite) TestSubscriberForwardsLinesToSink() {
	var mu sync.Mutex
	var lines []string
	sub := buslogger.NewSubscriber(func(line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, line)
	})
	s.Require().NoError(sub.Start(s.Ctx, s.b))
	defer sub.Stop()

	base := slog.NewTextHandler(discard{}, nil)
	h := buslogger.NewHandler(base, s.b, "Echo")
	l := slog.New(h)
	l.Info("tick")

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 1
	}, time.Second, 10*time.Millisecond)
}

func (s *BusLoggerSuite) TestSubscriberStartIsIdempotent() {
	sub := buslogger.NewSubscriber(func(string) {})
	s.Require().NoError(sub.Start(s.Ctx, s.b))
	s.Require().NoError(sub.Start(s.Ctx, s.b))
	s.Require().NoError(sub.Stop())
}

func (s *BusLoggerSuite) TestSubscriberDetectsRemoteError() {
	var mu sync.Mutex
	var remoteErr *buslogger.RemoteError
	done := make(chan struct{})

	sub := buslogger.NewSubscriber(func(string) {})
	sub.OnRemoteError = func(e *buslogger.RemoteError) {
		mu.Lock()
		defer mu.Unlock()
		remoteErr = e
		close(done)
	}
	s.Require().NoError(sub.Start(s.Ctx, s.b))
	defer sub.Stop()

	base := slog.NewTextHandler(discard{}, nil)
	h := buslogger.NewHandler(base, s.b, "Echo")
	l := slog.New(h)
	l.Error("something broke")

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("expected OnRemoteError to fire for an ERROR-level line")
	}

	mu.Lock()
	defer mu.Unlock()
	s.Require().NotNil(remoteErr)
	s.Contains(remoteErr.Error(), "something broke")
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
