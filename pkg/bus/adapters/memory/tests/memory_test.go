package tests

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	busmemory "github.com/social-interaction-cloud/sic/pkg/bus/adapters/memory"
	"github.com/social-interaction-cloud/sic/pkg/test"
)

type MemoryBrokerSuite struct {
	*test.Suite
}

func TestMemoryBrokerSuite(t *testing.T) {
	test.Run(t, &MemoryBrokerSuite{Suite: test.NewSuite()})
}

// TestDeliveryIsSerialAndOrdered guards against a subscription receiving two
// messages concurrently or out of publication order, the guarantee §5
// describes as "each bus subscription owns one worker".
func (s *MemoryBrokerSuite) TestDeliveryIsSerialAndOrdered() {
	b := busmemory.New()

	const n = 200
	var (
		mu        sync.Mutex
		received  []int
		active    int
		sawOverlap bool
	)

	token, err := b.Subscribe(s.Ctx, "ch", func(ctx context.Context, payload []byte) {
		mu.Lock()
		active++
		if active > 1 {
			sawOverlap = true
		}
		mu.Unlock()

		// Give a concurrent delivery, if one existed, a chance to land.
		time.Sleep(time.Millisecond)

		v, _ := strconv.Atoi(string(payload))

		mu.Lock()
		received = append(received, v)
		active--
		mu.Unlock()
	})
	s.Require().NoError(err)
	defer b.Unsubscribe(token)

	for i := 0; i < n; i++ {
		_, err := b.Publish(s.Ctx, "ch", []byte(strconv.Itoa(i)))
		s.Require().NoError(err)
	}

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == n
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	s.False(sawOverlap, "handler must never run concurrently with itself for one subscription")
	for i, v := range received {
		s.Equal(i, v, "messages must be delivered in publication order")
	}
}

func (s *MemoryBrokerSuite) TestTwoSubscriptionsBothReceive() {
	b := busmemory.New()

	var wg sync.WaitGroup
	wg.Add(2)

	_, err := b.Subscribe(s.Ctx, "ch", func(ctx context.Context, payload []byte) { wg.Done() })
	s.Require().NoError(err)
	_, err = b.Subscribe(s.Ctx, "ch", func(ctx context.Context, payload []byte) { wg.Done() })
	s.Require().NoError(err)

	n, err := b.Publish(s.Ctx, "ch", []byte("hi"))
	s.Require().NoError(err)
	s.Equal(2, n)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("both subscriptions should have received the message")
	}
}
