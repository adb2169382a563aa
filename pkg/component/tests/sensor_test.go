package tests

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/bus"
	busmemory "github.com/social-interaction-cloud/sic/pkg/bus/adapters/memory"
	cachememory "github.com/social-interaction-cloud/sic/pkg/cache/adapters/memory"
	"github.com/social-interaction-cloud/sic/pkg/channel"
	"github.com/social-interaction-cloud/sic/pkg/component"
	distlockmemory "github.com/social-interaction-cloud/sic/pkg/concurrency/distlock/adapters/memory"
	"github.com/social-interaction-cloud/sic/pkg/envelope"
	"github.com/social-interaction-cloud/sic/pkg/test"
)

type countingProducer struct {
	ticks atomic.Int64
}

func (p *countingProducer) Execute(ctx context.Context) (interface{}, string, bool, error) {
	p.ticks.Add(1)
	return map[string]int64{"n": p.ticks.Load()}, "tick", true, nil
}

type SensorSuite struct {
	*test.Suite
}

func TestSensorSuite(t *testing.T) {
	test.Run(t, &SensorSuite{Suite: test.NewSuite()})
}

func (s *SensorSuite) newSensor(producer component.Producer) *component.Sensor {
	b := bus.NewBus(busmemory.New(), distlockmemory.New(), cachememory.New())
	deviceIP := "10.0.0.9"
	inputChannel := channel.DefaultInputChannel("Clock", deviceIP)
	componentChannel := channel.ComponentChannel("Clock", deviceIP, inputChannel)
	base := component.NewBase(component.Config{
		ComponentName:       "Clock",
		DeviceIP:            deviceIP,
		OutputChannel:       componentChannel,
		RequestReplyChannel: channel.RequestReplyChannel(componentChannel),
		Bus:                 b,
		Registry:            envelope.NewRegistry(),
		StopTimeout:         time.Second,
	}, nil)
	return component.NewSensor(base, producer)
}

// TestLoopOutlivesStartupContext guards against the sensor's worker loop
// being tied to the context passed into Start, which the manager cancels
// the moment handleStartComponent returns.
func (s *SensorSuite) TestLoopOutlivesStartupContext() {
	producer := &countingProducer{}
	sensor := s.newSensor(producer)

	startCtx, cancel := context.WithCancel(context.Background())
	s.Require().NoError(sensor.Start(startCtx))
	cancel()

	s.Eventually(func() bool {
		return producer.ticks.Load() > 0
	}, time.Second, 5*time.Millisecond, "sensor loop must keep running after its startup context is canceled")

	s.Require().NoError(sensor.Stop(s.Ctx))
}

func (s *SensorSuite) TestStopRequestedEndsTheLoop() {
	producer := &countingProducer{}
	sensor := s.newSensor(producer)
	s.Require().NoError(sensor.Start(s.Ctx))

	s.Eventually(func() bool {
		return producer.ticks.Load() > 0
	}, time.Second, 5*time.Millisecond)

	s.Require().NoError(sensor.Stop(s.Ctx))

	select {
	case <-sensor.Stopped():
	case <-time.After(time.Second):
		s.Fail("sensor should confirm stopped after Stop")
	}
}
