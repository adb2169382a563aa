package tests

import (
	"context"
	"testing"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/appctx"
	"github.com/social-interaction-cloud/sic/pkg/bus"
	busmemory "github.com/social-interaction-cloud/sic/pkg/bus/adapters/memory"
	cachememory "github.com/social-interaction-cloud/sic/pkg/cache/adapters/memory"
	distlockmemory "github.com/social-interaction-cloud/sic/pkg/concurrency/distlock/adapters/memory"
	"github.com/social-interaction-cloud/sic/pkg/test"
)

type AppCtxSuite struct {
	*test.Suite
}

func TestAppCtxSuite(t *testing.T) {
	test.Run(t, &AppCtxSuite{Suite: test.NewSuite()})
}

func (s *AppCtxSuite) TearDownTest() {
	appctx.ResetForTesting()
}

func (s *AppCtxSuite) newBus() bus.Bus {
	return bus.NewBus(busmemory.New(), distlockmemory.New(), cachememory.New())
}

func (s *AppCtxSuite) TestInitIsIdempotent() {
	b1 := s.newBus()
	b2 := s.newBus()

	c1 := appctx.Init(b1, nil)
	c2 := appctx.Init(b2, nil)

	s.Same(c1, c2)
	s.Same(c1.Bus(), b1)
}

func (s *AppCtxSuite) TestShutdownClosesEventAndBus() {
	b := s.newBus()
	c := appctx.Init(b, nil)

	select {
	case <-c.ShutdownEvent():
		s.Fail("shutdown event should not be closed before Shutdown")
	default:
	}

	c.Shutdown(s.Ctx)

	select {
	case <-c.ShutdownEvent():
	case <-time.After(time.Second):
		s.Fail("shutdown event should be closed after Shutdown")
	}
}

func (s *AppCtxSuite) TestShutdownIsIdempotent() {
	c := appctx.Init(s.newBus(), nil)
	c.Shutdown(context.Background())
	c.Shutdown(context.Background())
}
