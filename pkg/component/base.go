// Package component implements the Component Base: the lifecycle, channel
// ownership, and request/message dispatch shared by every sensor, actuator,
// and service running on a device, grounded on component_python2.py's
// SICComponent.
package component

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/bus"
	"github.com/social-interaction-cloud/sic/pkg/envelope"
	"github.com/social-interaction-cloud/sic/pkg/errors"
)

// State is a point in the component lifecycle (spec §4.D state machine).
type State int32

const (
	StateConstructed State = iota
	StateStarting
	StateReady
	StateStopping
	StateStopped
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// MessageHandler is implemented by components that consume streaming input
// on their input channel.
type MessageHandler interface {
	OnMessage(ctx context.Context, env envelope.Envelope) error
}

// RequestHandler is implemented by components that answer client requests
// beyond the framework-reserved ping/stop kinds.
type RequestHandler interface {
	OnRequest(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error)
}

// Cleaner is implemented by components that hold resources (hardware
// handles, session tokens) needing release on Stop. Cleanup must be
// re-entrant-safe; Base only ever calls it once per Stop, but a subclass
// may also reach it through its own paths.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// ConnectRequest asks a component to additionally subscribe to another
// component's output channel, feeding it into OnMessage the same way its
// primary input channel does (spec.md §4.G Connect, component_python2.py's
// ConnectRequest).
type ConnectRequest struct {
	InputChannel string `json:"input_channel"`
}

// Config wires one Base to its channels, bus, and declared input kinds.
type Config struct {
	ComponentName       string
	DeviceIP            string
	InputChannel        string // empty for components with no streaming input
	OutputChannel       string
	RequestReplyChannel string
	Inputs              []string // declared input kinds; empty means "accepts none"
	Bus                 bus.Bus
	Registry            *envelope.Registry
	StopTimeout         time.Duration
	Logger              *slog.Logger
}

// Base is embedded by every concrete component and provides the shared
// lifecycle, dispatch, and publish machinery spec.md §4.D describes.
type Base struct {
	cfg  Config
	impl interface{}
	log  *slog.Logger

	state atomic.Int32

	readyOnce sync.Once
	readyCh   chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu          sync.Mutex
	subTokens   []string
	connected   map[string]bool
	cleanupOnce sync.Once
	hasWorker   atomic.Bool

	activeCalls atomic.Int64
	drainCh     chan struct{}
}

// NewBase constructs a Base bound to impl, the concrete component
// implementing MessageHandler/RequestHandler/Cleaner as applicable.
func NewBase(cfg Config, impl interface{}) *Base {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", cfg.ComponentName, "device_ip", cfg.DeviceIP)

	return &Base{
		cfg:       cfg,
		impl:      impl,
		log:       log,
		readyCh:   make(chan struct{}),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		drainCh:   make(chan struct{}, 1),
	}
}

// SetImpl rebinds the implementation Base dispatches OnMessage/OnRequest/
// Cleanup to. Specializations that need Base to call back into the
// specialization itself (e.g. service.Aligner buffers input before handing
// it to its own Executor) construct Base first with a placeholder and call
// SetImpl once they exist.
func (b *Base) SetImpl(impl interface{}) {
	b.impl = impl
}

// ComponentID is "<ComponentName>:<DeviceIP>", the key reservations and
// manager bookkeeping are keyed on.
func (b *Base) ComponentID() string {
	return b.cfg.ComponentName + ":" + b.cfg.DeviceIP
}

func (b *Base) State() State {
	return State(b.state.Load())
}

func (b *Base) setState(s State) {
	b.state.Store(int32(s))
}

// Ready is closed once Start has finished registering handlers.
func (b *Base) Ready() <-chan struct{} {
	return b.readyCh
}

// Stopped is closed once the stop-signal has propagated and (for sensors
// and aligners, which run a worker loop) the worker loop has exited.
func (b *Base) Stopped() <-chan struct{} {
	return b.stoppedCh
}

// StopRequested is closed the moment Stop is called, before any draining;
// the sensor and aligner worker loops select on it to exit.
func (b *Base) StopRequested() <-chan struct{} {
	return b.stopCh
}

// Start registers the message and request handlers and signals Ready. It is
// idempotent: calling it again after Ready is a no-op.
func (b *Base) Start(ctx context.Context) error {
	if b.State() >= StateReady {
		return nil
	}
	b.setState(StateStarting)
	b.log.DebugContext(ctx, "starting component")

	if b.cfg.InputChannel != "" {
		token, err := b.cfg.Bus.Subscribe(ctx, b.cfg.InputChannel, b.handleMessage)
		if err != nil {
			return errors.Wrap(err, "failed to subscribe input channel")
		}
		b.addToken(token)
	}

	token, err := b.cfg.Bus.Subscribe(ctx, b.cfg.RequestReplyChannel, b.handleRequestEnvelope)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe request/reply channel")
	}
	b.addToken(token)

	b.setState(StateReady)
	b.readyOnce.Do(func() { close(b.readyCh) })
	return nil
}

// connect subscribes an additional input channel into the same handleMessage
// path as the component's primary input, idempotently: connecting a channel
// that is already connected is a no-op, matching _connect's channel_map check.
func (b *Base) connect(ctx context.Context, inputChannel string) error {
	b.mu.Lock()
	if b.connected == nil {
		b.connected = make(map[string]bool)
	}
	if b.connected[inputChannel] {
		b.mu.Unlock()
		return nil
	}
	b.connected[inputChannel] = true
	b.mu.Unlock()

	token, err := b.cfg.Bus.Subscribe(ctx, inputChannel, b.handleMessage)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe connected input channel")
	}
	b.addToken(token)
	return nil
}

func (b *Base) addToken(token string) {
	b.mu.Lock()
	b.subTokens = append(b.subTokens, token)
	b.mu.Unlock()
}

// Publish stamps env with this component's name and sends it on the output
// channel. env.Timestamp is sent as the caller set it.
func (b *Base) Publish(ctx context.Context, env envelope.Envelope) error {
	env.PreviousComponentName = b.cfg.ComponentName
	payload, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	_, err = b.cfg.Bus.Publish(ctx, b.cfg.OutputChannel, payload)
	return err
}

func (b *Base) handleMessage(ctx context.Context, payload []byte) {
	env, err := envelope.DecodeBytes(payload)
	if err != nil {
		b.log.WarnContext(ctx, "dropping undecodable message", "error", err)
		return
	}

	if !b.acceptsInput(env.Kind) {
		b.log.WarnContext(ctx, "dropping message of undeclared kind", "kind", env.Kind)
		return
	}

	handler, ok := b.impl.(MessageHandler)
	if !ok {
		return
	}

	b.beginCall()
	defer b.endCall()

	if err := handler.OnMessage(ctx, env); err != nil {
		b.log.ErrorContext(ctx, "on_message failed", "error", err)
	}
}

func (b *Base) acceptsInput(kind string) bool {
	if len(b.cfg.Inputs) == 0 {
		return false
	}
	for _, k := range b.cfg.Inputs {
		if k == kind {
			return true
		}
	}
	return false
}

func (b *Base) handleRequestEnvelope(ctx context.Context, payload []byte) {
	env, err := envelope.DecodeBytes(payload)
	if err != nil {
		b.log.WarnContext(ctx, "dropping undecodable request", "error", err)
		return
	}
	// Replies to other clients' requests also arrive on this channel; only
	// dispatch envelopes that are actually requests.
	if !env.IsRequest() {
		return
	}

	reply := b.dispatchRequest(ctx, env)
	if reply.RequestID == 0 {
		reply.RequestID = env.RequestID
	}

	out, err := envelope.Encode(reply)
	if err != nil {
		b.log.ErrorContext(ctx, "failed to encode reply", "error", err)
		return
	}
	if _, err := b.cfg.Bus.Publish(ctx, b.cfg.RequestReplyChannel, out); err != nil {
		b.log.ErrorContext(ctx, "failed to publish reply", "error", err)
	}
}

func (b *Base) dispatchRequest(ctx context.Context, env envelope.Envelope) envelope.Envelope {
	b.log.DebugContext(ctx, "handling request", "kind", env.Kind)

	switch env.Kind {
	case envelope.KindPing:
		reply, _ := envelope.New(envelope.KindPong, struct{}{})
		return reply
	case envelope.KindStopRequest:
		if err := b.Stop(ctx); err != nil {
			reply, _ := envelope.New(envelope.KindNotStarted, map[string]string{"error": err.Error()})
			return reply
		}
		reply, _ := envelope.New(envelope.KindSuccess, struct{}{})
		return reply
	case envelope.KindConnectRequest:
		var req ConnectRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			reply, _ := envelope.New(envelope.KindNotStarted, map[string]string{"error": err.Error()})
			return reply
		}
		if err := b.connect(ctx, req.InputChannel); err != nil {
			reply, _ := envelope.New(envelope.KindNotStarted, map[string]string{"error": err.Error()})
			return reply
		}
		reply, _ := envelope.New(envelope.KindSuccess, struct{}{})
		return reply
	}

	handler, ok := b.impl.(RequestHandler)
	if !ok {
		b.log.WarnContext(ctx, "no request handler registered", "kind", env.Kind)
		reply, _ := envelope.New(envelope.KindIgnore, struct{}{})
		reply.RequestID = envelope.IgnoreRequestID
		return reply
	}

	b.beginCall()
	defer b.endCall()

	reply, err := handler.OnRequest(ctx, env)
	if err != nil {
		b.log.ErrorContext(ctx, "on_request failed", "error", err)
		errReply, _ := envelope.New(envelope.KindNotStarted, map[string]string{"error": err.Error()})
		return errReply
	}
	return reply
}

func (b *Base) beginCall() {
	b.activeCalls.Add(1)
}

func (b *Base) endCall() {
	if b.activeCalls.Add(-1) == 0 {
		select {
		case b.drainCh <- struct{}{}:
		default:
		}
	}
}

// SetHasWorker marks this component as having a subclass worker loop (a
// sensor's Execute loop or an aligner's alignment loop) that must confirm Stopped by calling
// MarkStoppedByWorker before Stop proceeds to drain and clean up.
func (b *Base) SetHasWorker(v bool) {
	b.hasWorker.Store(v)
}

// Stop sets the stop-signal, waits for the subclass worker (if any) to
// confirm Stopped, then waits for in-flight calls to drain, and only then
// runs Cleanup. If the worker never confirms Stopped within StopTimeout,
// cleanup is skipped to avoid racing the still-running worker. Idempotent.
func (b *Base) Stop(ctx context.Context) error {
	alreadyStopping := true
	b.stopOnce.Do(func() {
		alreadyStopping = false
		b.setState(StateStopping)
		close(b.stopCh)
	})
	if alreadyStopping {
		<-b.stoppedCh
		return nil
	}

	b.unsubscribeAll()

	if !b.hasWorker.Load() {
		close(b.stoppedCh)
	} else {
		select {
		case <-b.stoppedCh:
		case <-time.After(b.cfg.StopTimeout):
			b.log.WarnContext(ctx, "worker did not confirm stop in time, skipping cleanup")
			return nil
		}
	}

	b.waitForDrain(ctx)

	b.setState(StateStopped)
	b.runCleanup(ctx)
	return nil
}

func (b *Base) unsubscribeAll() {
	b.mu.Lock()
	tokens := b.subTokens
	b.subTokens = nil
	b.mu.Unlock()

	for _, token := range tokens {
		if err := b.cfg.Bus.Unsubscribe(token); err != nil {
			b.log.Warn("failed to unsubscribe", "token", token, "error", err)
		}
	}
}

func (b *Base) waitForDrain(ctx context.Context) {
	if b.activeCalls.Load() == 0 {
		return
	}
	timer := time.NewTimer(b.cfg.StopTimeout)
	defer timer.Stop()
	for b.activeCalls.Load() > 0 {
		select {
		case <-b.drainCh:
		case <-timer.C:
			b.log.WarnContext(ctx, "timed out waiting for active calls to drain")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Base) runCleanup(ctx context.Context) {
	b.cleanupOnce.Do(func() {
		if cleaner, ok := b.impl.(Cleaner); ok {
			if err := cleaner.Cleanup(ctx); err != nil {
				b.log.ErrorContext(ctx, "cleanup failed", "error", err)
			}
		}
		b.setState(StateCleaned)
	})
}

// MarkStoppedByWorker lets a sensor's or aligner's worker loop signal that it
// has observed the stop-signal and exited, satisfying the "subclass
// confirms" transition before Stop proceeds to drain active calls.
func (b *Base) MarkStoppedByWorker() {
	select {
	case <-b.stoppedCh:
	default:
		close(b.stoppedCh)
	}
}

// Logger returns the component-scoped logger.
func (b *Base) Logger() *slog.Logger {
	return b.log
}

// Bus returns the bus handle this component borrows from the manager.
func (b *Base) Bus() bus.Bus {
	return b.cfg.Bus
}

// Config returns the configuration this Base was constructed with.
func (b *Base) Config() Config {
	return b.cfg
}
