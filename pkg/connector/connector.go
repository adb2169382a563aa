// Package connector implements the client-side façade described by
// spec.md §4.G: locate a device's manager, start the named component if
// it isn't already running, and expose send/request/subscribe against the
// resulting channels, grounded on connector.py's SICConnector.
package connector

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/bus"
	"github.com/social-interaction-cloud/sic/pkg/channel"
	"github.com/social-interaction-cloud/sic/pkg/component"
	"github.com/social-interaction-cloud/sic/pkg/envelope"
	"github.com/social-interaction-cloud/sic/pkg/manager"
	"github.com/social-interaction-cloud/sic/pkg/resilience"
)

// PingTimeout bounds how long an "instant" reply may take, _PING_TIMEOUT.
const PingTimeout = time.Second

// Config wires a Connector to the component it proxies and the device it
// expects to find (or start) that component on.
type Config struct {
	ComponentName  string
	DeviceIP       string
	ClientID       string // identifies this connector's process, e.g. the local IP
	InputChannel   string // override; defaults to channel.DefaultInputChannel
	Conf           json.RawMessage
	StartupTimeout time.Duration
	Bus            bus.Bus
	Registry       *envelope.Registry
	Logger         *slog.Logger
	Retry          resilience.RetryConfig
}

// Connector is the proxy a user program holds to talk to one remote
// component instance.
type Connector struct {
	cfg                 Config
	log                 *slog.Logger
	inputChannel        string
	outputChannel       string
	requestReplyChannel string

	mu        sync.Mutex
	subTokens []string
	stopOnce  sync.Once
}

// New pings the component; if that fails it asks the device's manager to
// start it, then pings again. Returns ErrDeviceUnreachable if the manager
// itself never responds, or ErrComponentNotStarted if the manager accepted
// the request but the component failed to reach Ready.
func New(ctx context.Context, cfg Config) (*Connector, error) {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = manager.DefaultStartupTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("connector_for", cfg.ComponentName, "device_ip", cfg.DeviceIP)

	inputChannel := cfg.InputChannel
	if inputChannel == "" {
		inputChannel = channel.DefaultInputChannel(cfg.ComponentName, cfg.DeviceIP)
	}
	outputChannel := channel.ComponentChannel(cfg.ComponentName, cfg.DeviceIP, inputChannel)
	requestReplyChannel := channel.RequestReplyChannel(outputChannel)

	c := &Connector{
		cfg:                 cfg,
		log:                 log,
		inputChannel:        inputChannel,
		outputChannel:       outputChannel,
		requestReplyChannel: requestReplyChannel,
	}

	if !c.ping(ctx) {
		retryCfg := cfg.Retry
		if retryCfg.MaxAttempts == 0 {
			retryCfg = resilience.DefaultRetryConfig()
		}
		// The retry budget covers the whole ping-then-start round trip, not
		// an extra layer bounded by its own deadline: each attempt still
		// has at most StartupTimeout to reach Ready (DESIGN.md Open
		// Question resolution for the Connector).
		startErr := resilience.Retry(ctx, retryCfg, func(ctx context.Context) error {
			if err := c.startComponent(ctx); err != nil {
				return err
			}
			if !c.ping(ctx) {
				return ErrDeviceUnreachable(cfg.DeviceIP, nil)
			}
			return nil
		})
		if startErr != nil {
			return nil, startErr
		}
	}

	return c, nil
}

func (c *Connector) ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	_, err := c.doRequest(pingCtx, c.requestReplyChannel, envelope.KindPing, struct{}{})
	if err != nil {
		c.log.DebugContext(ctx, "ping failed", "error", err)
		return false
	}
	return true
}

// startComponent asks the device's manager to instantiate the component,
// waiting at most StartupTimeout for the reply. It makes one attempt; New
// retries it, together with the ping that follows, through resilience.Retry
// (see DESIGN.md Open Question resolution for the Connector).
func (c *Connector) startComponent(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	req := manager.StartComponentRequest{
		ComponentName: c.cfg.ComponentName,
		InputChannel:  c.inputChannel,
		ClientID:      c.cfg.ClientID,
		Conf:          c.cfg.Conf,
	}

	reply, err := c.doRequest(startCtx, channel.ManagerChannel(c.cfg.DeviceIP), envelope.KindStartComponentRequest, req)
	if err != nil {
		return ErrDeviceUnreachable(c.cfg.DeviceIP, err)
	}

	switch reply.Kind {
	case envelope.KindComponentStarted:
		return nil
	case envelope.KindNotStarted:
		var body manager.NotStartedReply
		_ = json.Unmarshal(reply.Payload, &body)
		return ErrComponentNotStarted(c.cfg.ComponentName, body.Error)
	default:
		return ErrComponentNotStarted(c.cfg.ComponentName, "unexpected manager reply kind: "+reply.Kind)
	}
}

// doRequest implements the request/reply protocol from spec.md §4.G: mint a
// random non-zero 63-bit request id, subscribe before publishing so a
// same-process reply can never race ahead of the subscription, and treat
// the ignore sentinel as "no reply intended" (the wait simply times out).
func (c *Connector) doRequest(ctx context.Context, ch, kind string, payload interface{}) (envelope.Envelope, error) {
	requestID := randomRequestID()

	replies := make(chan envelope.Envelope, 1)
	token, err := c.cfg.Bus.Subscribe(ctx, ch, func(ctx context.Context, raw []byte) {
		env, err := envelope.DecodeBytes(raw)
		if err != nil {
			return
		}
		if env.IsRequest() || env.RequestID != requestID {
			return
		}
		select {
		case replies <- env:
		default:
		}
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	defer func() { _ = c.cfg.Bus.Unsubscribe(token) }()

	env, err := envelope.New(kind, payload)
	if err != nil {
		return envelope.Envelope{}, err
	}
	env.RequestID = requestID

	out, err := envelope.Encode(env)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if _, err := c.cfg.Bus.Publish(ctx, ch, out); err != nil {
		return envelope.Envelope{}, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return envelope.Envelope{}, ErrRequestTimeout(ch)
	}
}

func randomRequestID() int64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			continue
		}
		// Clear the sign bit so the id is always positive, then reject the
		// zero ("unset") and the vanishingly unlikely IgnoreRequestID value.
		id := int64(binary.BigEndian.Uint64(buf[:]) &^ (1 << 63))
		if id != 0 && id != envelope.IgnoreRequestID {
			return id
		}
	}
}

// Request sends req on the request/reply channel and blocks for a reply up
// to timeout, per the protocol in doRequest.
func (c *Connector) Request(ctx context.Context, kind string, payload interface{}, timeout time.Duration) (envelope.Envelope, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.doRequest(reqCtx, c.requestReplyChannel, kind, payload)
}

// SendMessage stamps msg with the broker's current time and publishes it
// on the component's user input channel.
func (c *Connector) SendMessage(ctx context.Context, kind string, payload interface{}) error {
	env, err := envelope.New(kind, payload)
	if err != nil {
		return err
	}
	env.Timestamp = c.brokerTimestamp(ctx)

	out, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	_, err = c.cfg.Bus.Publish(ctx, c.inputChannel, out)
	return err
}

func (c *Connector) brokerTimestamp(ctx context.Context) float64 {
	sec, micro, err := c.cfg.Bus.Time(ctx)
	if err != nil {
		return float64(time.Now().UnixNano()) / 1e9
	}
	return float64(sec) + float64(micro)/1e6
}

// RegisterCallback subscribes fn to the component's output channel,
// decoding each payload into an Envelope before handing it to fn.
func (c *Connector) RegisterCallback(ctx context.Context, fn func(envelope.Envelope)) error {
	token, err := c.cfg.Bus.Subscribe(ctx, c.outputChannel, func(ctx context.Context, raw []byte) {
		env, err := envelope.DecodeBytes(raw)
		if err != nil {
			c.log.WarnContext(ctx, "dropping undecodable output message", "error", err)
			return
		}
		fn(env)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subTokens = append(c.subTokens, token)
	c.mu.Unlock()
	return nil
}

// Connect asks the component to additionally subscribe to other's output
// channel, joining the two components' data flow without either side
// knowing about the user program in between.
func (c *Connector) Connect(ctx context.Context, other *Connector) error {
	_, err := c.Request(ctx, envelope.KindConnectRequest, component.ConnectRequest{
		InputChannel: other.outputChannel,
	}, PingTimeout)
	return err
}

// OutputChannel returns the channel this connector's component publishes
// results on.
func (c *Connector) OutputChannel() string {
	return c.outputChannel
}

// Stop asks the component to stop and tears down this connector's own
// subscriptions. Idempotent.
func (c *Connector) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		env, err := envelope.New(envelope.KindStopRequest, struct{}{})
		if err == nil {
			if out, err := envelope.Encode(env); err == nil {
				_, _ = c.cfg.Bus.Publish(ctx, c.requestReplyChannel, out)
			}
		}

		c.mu.Lock()
		tokens := c.subTokens
		c.subTokens = nil
		c.mu.Unlock()
		for _, token := range tokens {
			_ = c.cfg.Bus.Unsubscribe(token)
		}
	})
}
