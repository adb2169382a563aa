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
	"github.com/social-interaction-cloud/sic/pkg/connector"
	distlockmemory "github.com/social-interaction-cloud/sic/pkg/concurrency/distlock/adapters/memory"
	"github.com/social-interaction-cloud/sic/pkg/envelope"
	"github.com/social-interaction-cloud/sic/pkg/manager"
	"github.com/social-interaction-cloud/sic/pkg/test"
)

type echoActuator struct {
	*component.Actuator
}

func (e *echoActuator) OnRequest(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	return envelope.New(envelope.KindText, env.Payload)
}

type ConnectorSuite struct {
	*test.Suite
}

func TestConnectorSuite(t *testing.T) {
	test.Run(t, &ConnectorSuite{Suite: test.NewSuite()})
}

func (s *ConnectorSuite) newManager(deviceIP string) (*manager.Manager, bus.Bus) {
	b := bus.NewBus(busmemory.New(), distlockmemory.New(), cachememory.New())
	m := manager.New(manager.Config{
		DeviceIP:    deviceIP,
		Bus:         b,
		Registry:    envelope.NewRegistry(),
		StopTimeout: time.Second,
	})
	m.Register("Echo", manager.Factory{New: func(cfg manager.FactoryConfig) (manager.Instance, error) {
		base := component.NewBase(component.Config{
			ComponentName:       cfg.ComponentName,
			DeviceIP:            cfg.DeviceIP,
			OutputChannel:       cfg.OutputChannel,
			RequestReplyChannel: cfg.RequestReplyChannel,
			Bus:                 cfg.Bus,
			Registry:            cfg.Registry,
			StopTimeout:         time.Second,
		}, nil)
		actuator := &echoActuator{Actuator: component.NewActuator(base)}
		base.SetImpl(actuator)
		return actuator, nil
	}})
	return m, b
}

func (s *ConnectorSuite) TestStartsComponentOnFirstConnect() {
	deviceIP := "10.0.0.5"
	m, b := s.newManager(deviceIP)
	s.Require().NoError(m.Start(s.Ctx))
	defer func() { _ = m.Shutdown(s.Ctx) }()

	c, err := connector.New(s.Ctx, connector.Config{
		ComponentName:  "Echo",
		DeviceIP:       deviceIP,
		ClientID:       "test-client",
		StartupTimeout: time.Second,
		Bus:            b,
		Registry:       envelope.NewRegistry(),
	})
	s.Require().NoError(err)
	s.NotNil(c)
}

func (s *ConnectorSuite) TestRequestRoundTrip() {
	deviceIP := "10.0.0.6"
	m, b := s.newManager(deviceIP)
	s.Require().NoError(m.Start(s.Ctx))
	defer func() { _ = m.Shutdown(s.Ctx) }()

	c, err := connector.New(s.Ctx, connector.Config{
		ComponentName:  "Echo",
		DeviceIP:       deviceIP,
		ClientID:       "test-client",
		StartupTimeout: time.Second,
		Bus:            b,
		Registry:       envelope.NewRegistry(),
	})
	s.Require().NoError(err)

	reply, err := c.Request(s.Ctx, "echo_request", map[string]string{"text": "hi"}, time.Second)
	s.Require().NoError(err)
	s.Equal(envelope.KindText, reply.Kind)
}

func (s *ConnectorSuite) TestDeviceUnreachableWhenNoManager() {
	b := bus.NewBus(busmemory.New(), distlockmemory.New(), cachememory.New())
	_, err := connector.New(s.Ctx, connector.Config{
		ComponentName:  "Echo",
		DeviceIP:       "10.0.0.7",
		ClientID:       "test-client",
		StartupTimeout: 200 * time.Millisecond,
		Bus:            b,
		Registry:       envelope.NewRegistry(),
	})
	s.Require().Error(err)
}

func (s *ConnectorSuite) TestOutputChannelMatchesGrammar() {
	deviceIP := "10.0.0.8"
	m, b := s.newManager(deviceIP)
	s.Require().NoError(m.Start(s.Ctx))
	defer func() { _ = m.Shutdown(s.Ctx) }()

	c, err := connector.New(s.Ctx, connector.Config{
		ComponentName:  "Echo",
		DeviceIP:       deviceIP,
		ClientID:       "test-client",
		StartupTimeout: time.Second,
		Bus:            b,
		Registry:       envelope.NewRegistry(),
	})
	s.Require().NoError(err)

	inputChannel := channel.DefaultInputChannel("Echo", deviceIP)
	expected := channel.ComponentChannel("Echo", deviceIP, inputChannel)
	s.Equal(expected, c.OutputChannel())
}
