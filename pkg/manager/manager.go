// Package manager implements the Component Manager: the per-device
// supervisor that starts and stops components by name, registered as the
// sole request handler on the channel named after the device's own IP,
// grounded on component_manager_python2.py.
package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/bus"
	"github.com/social-interaction-cloud/sic/pkg/channel"
	"github.com/social-interaction-cloud/sic/pkg/concurrency"
	"github.com/social-interaction-cloud/sic/pkg/envelope"
	"github.com/social-interaction-cloud/sic/pkg/errors"
	"github.com/social-interaction-cloud/sic/pkg/validator"
)

// DefaultStartupTimeout is COMPONENT_STARTUP_TIMEOUT.
const DefaultStartupTimeout = 30 * time.Second

// StartupMarker is the well-known log line a spawner can watch for on the
// manager's log output (stdout) to know it is ready to accept requests, in place of
// polling Ping (§6 "Manager startup signal").
const StartupMarker = "SIC_MANAGER_READY"

// Instance is anything the manager can supervise: component.Base and its
// Sensor/Actuator/Aligner specializations all satisfy this through their
// own Start/Stop/Ready methods.
type Instance interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready() <-chan struct{}
}

// FactoryConfig is what a registered Factory needs to construct one
// component instance for one start request.
type FactoryConfig struct {
	ComponentName       string
	DeviceIP            string
	InputChannel        string
	OutputChannel       string
	RequestReplyChannel string
	ClientID            string
	Conf                json.RawMessage
	Bus                 bus.Bus
	Registry            *envelope.Registry
}

// Factory constructs one component instance on demand. StartupTimeout
// overrides DefaultStartupTimeout for components whose Start is known to be
// slow (e.g. loading a model onto a GPU, per spec.md §4.F's own example).
type Factory struct {
	New            func(cfg FactoryConfig) (Instance, error)
	StartupTimeout time.Duration
}

type liveComponent struct {
	instance            Instance
	componentName       string
	inputChannel        string
	requestReplyChannel string
	clientID            string
	startedAt           time.Time
}

// Config wires a Manager to its device identity and shared infrastructure.
type Config struct {
	DeviceIP    string
	Bus         bus.Bus
	Registry    *envelope.Registry
	StopTimeout time.Duration
	PoolSize    int
	QueueSize   int
	Logger      *slog.Logger
}

// Manager is the per-device supervisor described by spec.md §4.F.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	live      map[string]*liveComponent // keyed by componentChannel

	pool  *concurrency.WorkerPool
	token string

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Manager bound to cfg. Call Register for every
// constructible component before Start.
func New(cfg Config) *Manager {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 8
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("manager_device_ip", cfg.DeviceIP)

	return &Manager{
		cfg:       cfg,
		log:       log,
		factories: make(map[string]Factory),
		live:      make(map[string]*liveComponent),
		pool:      concurrency.NewWorkerPool(cfg.PoolSize, cfg.QueueSize),
		stopped:   make(chan struct{}),
	}
}

// Register adds componentName to the manager's constructible set.
func (m *Manager) Register(componentName string, factory Factory) {
	if factory.StartupTimeout == 0 {
		factory.StartupTimeout = DefaultStartupTimeout
	}
	m.mu.Lock()
	m.factories[componentName] = factory
	m.mu.Unlock()
}

// reservationKey is the manager's own exclusive claim on its device IP,
// released on Shutdown per spec.md §4.F.
func (m *Manager) reservationKey() string {
	return bus.ReservationKey("Manager:" + m.cfg.DeviceIP)
}

// Start claims the manager's reservation, subscribes the device-IP request
// channel, and starts the component-start worker pool. It logs
// StartupMarker once ready, the signal a spawner waits on.
func (m *Manager) Start(ctx context.Context) error {
	held, err := m.cfg.Bus.SetIfAbsent(ctx, m.reservationKey(), m.cfg.DeviceIP)
	if err != nil {
		return errors.Wrap(err, "failed to claim manager reservation")
	}
	if !held {
		return errors.Conflict("a manager is already running on "+m.cfg.DeviceIP, nil)
	}

	m.pool.Start(ctx)

	token, err := m.cfg.Bus.Subscribe(ctx, channel.ManagerChannel(m.cfg.DeviceIP), m.handleRequest)
	if err != nil {
		_ = m.cfg.Bus.DeleteReservation(ctx, m.reservationKey())
		return errors.Wrap(err, "failed to subscribe manager channel")
	}
	m.token = token

	m.log.Info(StartupMarker, "device_ip", m.cfg.DeviceIP)
	return nil
}

func (m *Manager) handleRequest(ctx context.Context, payload []byte) {
	env, err := envelope.DecodeBytes(payload)
	if err != nil {
		m.log.WarnContext(ctx, "dropping undecodable manager request", "error", err)
		return
	}
	if !env.IsRequest() {
		return
	}

	switch env.Kind {
	case envelope.KindPing:
		m.reply(ctx, env, envelope.KindPong, struct{}{})

	case KindStopManagerRequest:
		m.reply(ctx, env, envelope.KindSuccess, struct{}{})
		concurrency.SafeGo(context.Background(), func() {
			_ = m.Shutdown(context.Background())
		})

	case envelope.KindStartComponentRequest:
		m.pool.Submit(func(ctx context.Context) { m.handleStartComponent(ctx, env) })

	case envelope.KindStopComponentRequest:
		m.pool.Submit(func(ctx context.Context) { m.handleStopComponent(ctx, env) })

	case KindDescribeComponentsRequest:
		m.reply(ctx, env, KindDescribeComponentsReply, m.describeComponents())

	default:
		m.log.WarnContext(ctx, "unknown manager request kind", "kind", env.Kind)
	}
}

func (m *Manager) reply(ctx context.Context, request envelope.Envelope, kind string, payload interface{}) {
	reply, err := envelope.New(kind, payload)
	if err != nil {
		m.log.ErrorContext(ctx, "failed to encode manager reply", "error", err)
		return
	}
	reply.RequestID = request.RequestID

	out, err := envelope.Encode(reply)
	if err != nil {
		m.log.ErrorContext(ctx, "failed to serialize manager reply", "error", err)
		return
	}
	if _, err := m.cfg.Bus.Publish(ctx, channel.ManagerChannel(m.cfg.DeviceIP), out); err != nil {
		m.log.ErrorContext(ctx, "failed to publish manager reply", "error", err)
	}
}

func (m *Manager) handleStartComponent(ctx context.Context, request envelope.Envelope) {
	var req StartComponentRequest
	if err := json.Unmarshal(request.Payload, &req); err != nil {
		m.reply(ctx, request, envelope.KindNotStarted, NotStartedReply{Error: "malformed start request: " + err.Error()})
		return
	}

	if err := validateStartComponentRequest(req); err != nil {
		m.reply(ctx, request, envelope.KindNotStarted, NotStartedReply{Error: err.Error()})
		return
	}

	m.mu.Lock()
	factory, known := m.factories[req.ComponentName]
	m.mu.Unlock()
	if !known {
		m.reply(ctx, request, envelope.KindNotStarted, NotStartedReply{Error: "unknown component: " + req.ComponentName})
		return
	}

	inputChannel := req.InputChannel
	if inputChannel == "" {
		inputChannel = channel.DefaultInputChannel(req.ComponentName, m.cfg.DeviceIP)
	}
	componentChannel := channel.ComponentChannel(req.ComponentName, m.cfg.DeviceIP, inputChannel)
	requestReplyChannel := channel.RequestReplyChannel(componentChannel)

	m.mu.Lock()
	if existing, ok := m.live[componentChannel]; ok {
		m.mu.Unlock()
		m.log.InfoContext(ctx, "start request for already-running component is idempotent",
			"component", req.ComponentName, "channel", componentChannel)
		_ = existing
		m.reply(ctx, request, envelope.KindComponentStarted, ComponentStartedReply{
			OutputChannel:       componentChannel,
			RequestReplyChannel: requestReplyChannel,
		})
		return
	}
	m.mu.Unlock()

	instance, err := factory.New(FactoryConfig{
		ComponentName:       req.ComponentName,
		DeviceIP:            m.cfg.DeviceIP,
		InputChannel:        inputChannel,
		OutputChannel:       componentChannel,
		RequestReplyChannel: requestReplyChannel,
		ClientID:            req.ClientID,
		Conf:                req.Conf,
		Bus:                 m.cfg.Bus,
		Registry:            m.cfg.Registry,
	})
	if err != nil {
		m.reply(ctx, request, envelope.KindNotStarted, NotStartedReply{Error: err.Error()})
		return
	}

	startCtx, cancel := context.WithTimeout(ctx, factory.StartupTimeout)
	defer cancel()

	startErr := instance.Start(startCtx)
	if startErr == nil {
		select {
		case <-instance.Ready():
		case <-startCtx.Done():
			startErr = errors.Timeout("component did not reach ready within startup timeout", startCtx.Err())
		}
	}

	if startErr != nil {
		m.log.ErrorContext(ctx, "component failed to start", "component", req.ComponentName, "error", startErr)
		_ = instance.Stop(context.Background())
		m.reply(ctx, request, envelope.KindNotStarted, NotStartedReply{Error: startErr.Error()})
		return
	}

	m.mu.Lock()
	m.live[componentChannel] = &liveComponent{
		instance:            instance,
		componentName:       req.ComponentName,
		inputChannel:        inputChannel,
		requestReplyChannel: requestReplyChannel,
		clientID:            req.ClientID,
		startedAt:           time.Now(),
	}
	m.mu.Unlock()

	descriptor := bus.DataStreamDescriptor{
		ComponentEndpoint: channel.ComponentEndpoint(req.ComponentName, m.cfg.DeviceIP),
		InputChannel:      inputChannel,
		ClientID:          req.ClientID,
	}
	if err := m.cfg.Bus.PutDataStream(ctx, bus.DataStreamKey(componentChannel), descriptor); err != nil {
		m.log.ErrorContext(ctx, "failed to publish data-stream descriptor", "error", err)
	}

	m.reply(ctx, request, envelope.KindComponentStarted, ComponentStartedReply{
		OutputChannel:       componentChannel,
		RequestReplyChannel: requestReplyChannel,
	})
}

// validateStartComponentRequest guards against a component name, client id,
// or input channel crafted to escape the reservation/data-stream key
// namespace those values get embedded into.
func validateStartComponentRequest(req StartComponentRequest) error {
	if req.ComponentName == "" {
		return errors.InvalidArgument("component_name is required", nil)
	}
	if validator.DetectPathTraversal(req.ComponentName) {
		return errors.InvalidArgument("component_name contains a path traversal sequence", nil)
	}
	if validator.DetectPathTraversal(req.ClientID) {
		return errors.InvalidArgument("client_id contains a path traversal sequence", nil)
	}
	if validator.DetectPathTraversal(req.InputChannel) {
		return errors.InvalidArgument("input_channel contains a path traversal sequence", nil)
	}
	return nil
}

func (m *Manager) handleStopComponent(ctx context.Context, request envelope.Envelope) {
	var req StopComponentRequest
	if err := json.Unmarshal(request.Payload, &req); err != nil {
		m.replyIgnore(ctx, request)
		return
	}

	m.mu.Lock()
	live, ok := m.live[req.OutputChannel]
	if ok {
		delete(m.live, req.OutputChannel)
	}
	m.mu.Unlock()

	if !ok {
		m.replyIgnore(ctx, request)
		return
	}

	if err := live.instance.Stop(ctx); err != nil {
		m.log.ErrorContext(ctx, "component stop returned an error", "error", err)
	}
	if err := m.cfg.Bus.DeleteDataStream(ctx, bus.DataStreamKey(req.OutputChannel)); err != nil {
		m.log.ErrorContext(ctx, "failed to delete data-stream descriptor", "error", err)
	}

	m.reply(ctx, request, envelope.KindSuccess, struct{}{})
}

func (m *Manager) replyIgnore(ctx context.Context, request envelope.Envelope) {
	reply, _ := envelope.New(envelope.KindIgnore, struct{}{})
	reply.RequestID = envelope.IgnoreRequestID
	out, err := envelope.Encode(reply)
	if err != nil {
		return
	}
	_, _ = m.cfg.Bus.Publish(ctx, channel.ManagerChannel(m.cfg.DeviceIP), out)
}

func (m *Manager) describeComponents() DescribeComponentsReply {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ComponentDescription, 0, len(m.live))
	for ch, live := range m.live {
		out = append(out, ComponentDescription{
			ComponentID:       live.componentName + ":" + m.cfg.DeviceIP,
			ComponentName:     live.componentName,
			OutputChannel:     ch,
			UptimeSeconds:     time.Since(live.startedAt).Seconds(),
			ReservationHolder: live.clientID,
		})
	}
	return DescribeComponentsReply{Components: out}
}

// Shutdown stops every live component, releases the manager's own
// reservation, and unsubscribes the manager channel. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		defer close(m.stopped)

		m.mu.Lock()
		live := m.live
		m.live = make(map[string]*liveComponent)
		m.mu.Unlock()

		for ch, lc := range live {
			if stopErr := lc.instance.Stop(ctx); stopErr != nil {
				m.log.ErrorContext(ctx, "error stopping component during shutdown", "channel", ch, "error", stopErr)
			}
			_ = m.cfg.Bus.DeleteDataStream(ctx, bus.DataStreamKey(ch))
		}

		m.pool.Stop()

		if m.token != "" {
			_ = m.cfg.Bus.Unsubscribe(m.token)
		}
		_ = m.cfg.Bus.DeleteReservation(ctx, m.reservationKey())
	})
	<-m.stopped
	return err
}

// Stopped reports when Shutdown has completed.
func (m *Manager) Stopped() <-chan struct{} {
	return m.stopped
}
