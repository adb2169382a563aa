package tests

import (
	"context"
	"testing"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/bus"
	busmemory "github.com/social-interaction-cloud/sic/pkg/bus/adapters/memory"
	cachememory "github.com/social-interaction-cloud/sic/pkg/cache/adapters/memory"
	"github.com/social-interaction-cloud/sic/pkg/channel"
	"github.com/social-interaction-cloud/sic/pkg/component"
	distlockmemory "github.com/social-interaction-cloud/sic/pkg/concurrency/distlock/adapters/memory"
	"github.com/social-interaction-cloud/sic/pkg/envelope"
	"github.com/social-interaction-cloud/sic/pkg/service"
	"github.com/social-interaction-cloud/sic/pkg/test"
)

const (
	kindA = "a"
	kindB = "b"
)

type joinExecutor struct {
	calls chan service.Aligned
}

func (e *joinExecutor) Execute(ctx context.Context, in service.Aligned) (interface{}, string, bool, error) {
	e.calls <- in
	return map[string]string{"joined": "true"}, "joined", true, nil
}

type AlignerSuite struct {
	*test.Suite
}

func TestAlignerSuite(t *testing.T) {
	test.Run(t, &AlignerSuite{Suite: test.NewSuite()})
}

func (s *AlignerSuite) newAligner(executor *joinExecutor) (*service.Aligner, bus.Bus, string, string) {
	b := bus.NewBus(busmemory.New(), distlockmemory.New(), cachememory.New())
	deviceIP := "10.0.0.2"
	inputChannel := channel.DefaultInputChannel("Joiner", deviceIP)
	outputChannel := channel.ComponentChannel("Joiner", deviceIP, inputChannel)

	cfg := component.Config{
		ComponentName:       "Joiner",
		DeviceIP:            deviceIP,
		InputChannel:        inputChannel,
		OutputChannel:       outputChannel,
		RequestReplyChannel: channel.RequestReplyChannel(outputChannel),
		Inputs:              []string{kindA, kindB},
		Bus:                 b,
		Registry:            envelope.NewRegistry(),
		StopTimeout:         time.Second,
	}
	base := component.NewBase(cfg, executor)
	aligner := service.NewAligner(base, executor, service.DefaultBufferSize, service.DefaultMaxTimestampDiff)
	return aligner, b, inputChannel, outputChannel
}

func publishAt(s *AlignerSuite, b bus.Bus, ch, kind, source string, ts float64) {
	env, err := envelope.New(kind, map[string]string{})
	s.Require().NoError(err)
	env.Timestamp = ts
	env.PreviousComponentName = source
	payload, err := envelope.Encode(env)
	s.Require().NoError(err)
	_, err = b.Publish(s.Ctx, ch, payload)
	s.Require().NoError(err)
}

func (s *AlignerSuite) TestAlignsWithinThreshold() {
	executor := &joinExecutor{calls: make(chan service.Aligned, 1)}
	aligner, b, inputChannel, _ := s.newAligner(executor)
	s.Require().NoError(aligner.Start(s.Ctx))

	publishAt(s, b, inputChannel, kindA, "SourceA", 10.0)
	publishAt(s, b, inputChannel, kindB, "SourceB", 10.2)

	select {
	case in := <-executor.calls:
		_, ok := in.Get(kindA, "SourceA")
		s.True(ok)
		_, ok = in.Get(kindB, "SourceB")
		s.True(ok)
	case <-time.After(2 * time.Second):
		s.Fail("expected execute to be called with aligned messages")
	}
}

func (s *AlignerSuite) TestDefersWhenOutsideThreshold() {
	executor := &joinExecutor{calls: make(chan service.Aligned, 1)}
	aligner, b, inputChannel, _ := s.newAligner(executor)
	s.Require().NoError(aligner.Start(s.Ctx))

	publishAt(s, b, inputChannel, kindA, "SourceA", 11.0)
	publishAt(s, b, inputChannel, kindB, "SourceB", 12.0)

	select {
	case <-executor.calls:
		s.Fail("execute should not fire when inputs fall outside MaxTimestampDiff")
	case <-time.After(500 * time.Millisecond):
	}
}
