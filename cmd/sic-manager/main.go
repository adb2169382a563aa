// Command sic-manager runs the per-device Component Manager: a thin daemon
// that loads its configuration, dials the shared bus, registers the
// components this binary was built with, and serves start/stop/ping
// requests until interrupted.
package main

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/appctx"
	"github.com/social-interaction-cloud/sic/pkg/bus"
	"github.com/social-interaction-cloud/sic/pkg/component"
	"github.com/social-interaction-cloud/sic/pkg/config"
	"github.com/social-interaction-cloud/sic/pkg/envelope"
	"github.com/social-interaction-cloud/sic/pkg/logger"
	"github.com/social-interaction-cloud/sic/pkg/manager"
	"github.com/social-interaction-cloud/sic/pkg/telemetry"
)

// appConfig is the environment-sourced configuration for this binary,
// composing the bus's own Config with the manager-specific knobs from
// spec.md §6.
type appConfig struct {
	Bus         bus.Config
	Logger      logger.Config
	Telemetry   telemetry.Config
	DeviceIP    string        `env:"SIC_DEVICE_IP" env-default:""`
	StopTimeout time.Duration `env:"SIC_MANAGER_STOP_TIMEOUT" env-default:"10s"`
}

func main() {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		os.Exit(exitWith("failed to load configuration", err))
	}

	log := logger.Init(cfg.Logger)

	if cfg.Telemetry.ServiceName == "" || cfg.Telemetry.ServiceName == "unknown-service" {
		cfg.Telemetry.ServiceName = "sic-manager"
	}
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Warn("tracing disabled, continuing without a collector", "error", err)
	} else {
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	deviceIP := cfg.DeviceIP
	if deviceIP == "" {
		deviceIP = localIP()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := bus.New(ctx, cfg.Bus)
	if err != nil {
		os.Exit(exitWith("failed to connect to bus", err))
	}

	app := appctx.Init(b, log)

	m := manager.New(manager.Config{
		DeviceIP:    deviceIP,
		Bus:         b,
		Registry:    envelope.NewRegistry(),
		StopTimeout: cfg.StopTimeout,
		Logger:      log,
	})
	registerReferenceComponents(m)

	if err := m.Start(ctx); err != nil {
		os.Exit(exitWith("failed to start manager", err))
	}

	<-app.ShutdownEvent()
	_ = m.Shutdown(context.Background())
}

// registerReferenceComponents registers the two minimal components used
// only to exercise the manager/connector/service wiring end-to-end
// (spec.md §1 excludes concrete sensor/actuator SDKs beyond these).
func registerReferenceComponents(m *manager.Manager) {
	m.Register("Echo", manager.Factory{New: newEchoActuator})
	m.Register("Clock", manager.Factory{New: newClockSensor})
}

type echoActuator struct {
	*component.Actuator
}

func (e *echoActuator) OnRequest(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	return envelope.New(envelope.KindText, env.Payload)
}

func newEchoActuator(cfg manager.FactoryConfig) (manager.Instance, error) {
	base := component.NewBase(component.Config{
		ComponentName:       cfg.ComponentName,
		DeviceIP:            cfg.DeviceIP,
		OutputChannel:       cfg.OutputChannel,
		RequestReplyChannel: cfg.RequestReplyChannel,
		Bus:                 cfg.Bus,
		Registry:            cfg.Registry,
		StopTimeout:         10 * time.Second,
	}, nil)
	actuator := &echoActuator{Actuator: component.NewActuator(base)}
	base.SetImpl(actuator)
	return actuator, nil
}

type clockProducer struct{}

// Execute ticks once a second; the sensor worker loop calls Execute as
// fast as it can otherwise, so the pacing has to live here.
func (clockProducer) Execute(ctx context.Context) (interface{}, string, bool, error) {
	select {
	case <-ctx.Done():
		return nil, "", false, ctx.Err()
	case <-time.After(time.Second):
	}
	return map[string]int64{"unix_seconds": time.Now().Unix()}, "clock_tick", true, nil
}

func newClockSensor(cfg manager.FactoryConfig) (manager.Instance, error) {
	base := component.NewBase(component.Config{
		ComponentName:       cfg.ComponentName,
		DeviceIP:            cfg.DeviceIP,
		OutputChannel:       cfg.OutputChannel,
		RequestReplyChannel: cfg.RequestReplyChannel,
		Bus:                 cfg.Bus,
		Registry:            cfg.Registry,
		StopTimeout:         10 * time.Second,
	}, nil)
	return component.NewSensor(base, clockProducer{}), nil
}

// localIP mirrors original_source's get_ip_adress: connect a UDP socket to
// an address that need not be reachable, then read back the local endpoint
// the kernel chose as the outbound interface.
func localIP() string {
	conn, err := net.Dial("udp", "10.254.254.254:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

func exitWith(msg string, err error) int {
	logger.L().Error(msg, "error", err)
	return 1
}
