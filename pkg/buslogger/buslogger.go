// Package buslogger is the Logging Fabric: a slog handler that mirrors every
// record onto the bus's well-known log channel, and a subscriber that tails
// that channel from any device, matching sic_logging.SICLogStream /
// SICLogSubscriber from the Python original.
package buslogger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/bus"
	"github.com/social-interaction-cloud/sic/pkg/concurrency"
	"github.com/social-interaction-cloud/sic/pkg/envelope"
)

// LogChannel is the single channel every component on every device
// publishes its log records to, matching get_log_channel(). A future
// revision could scope it per device IP; the original never did either.
const LogChannel = "sic:logging"

// Message is the payload carried by envelope.KindLogMessage, equivalent to
// SICLogMessage's single msg field.
type Message struct {
	Msg string `json:"msg"`
}

// Handler wraps a slog.Handler, publishing a formatted copy of every record
// onto LogChannel in addition to passing it through to next. Publishing
// happens on a detached goroutine so a slow or unreachable bus never stalls
// the caller's log line.
type Handler struct {
	next          slog.Handler
	b             bus.Bus
	componentName string
}

// NewHandler returns a Handler that also mirrors records from componentName
// onto the bus log channel via b.
func NewHandler(next slog.Handler, b bus.Bus, componentName string) *Handler {
	return &Handler{next: next, b: b, componentName: componentName}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	h.publish(r)
	return h.next.Handle(ctx, r)
}

func (h *Handler) publish(r slog.Record) {
	line := formatLine(h.componentName, r)
	env, err := envelope.New(envelope.KindLogMessage, Message{Msg: line})
	if err != nil {
		return
	}
	env.Timestamp = float64(r.Time.UnixNano()) / 1e9
	env.PreviousComponentName = h.componentName

	payload, err := envelope.Encode(env)
	if err != nil {
		return
	}

	b := h.b
	concurrency.SafeGo(context.Background(), func() {
		publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = b.Publish(publishCtx, LogChannel, payload)
	})
}

func formatLine(componentName string, r slog.Record) string {
	var attrs strings.Builder
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&attrs, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	return fmt.Sprintf("[%s]: %s: %s%s\n", componentName, r.Level, r.Message, attrs.String())
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs), b: h.b, componentName: h.componentName}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), b: h.b, componentName: h.componentName}
}

// RemoteError reports that a remote component's mirrored log line looked
// like an error, matching SICRemoteError.
type RemoteError struct {
	Line string
}

func (e *RemoteError) Error() string {
	return "remote component reported an error, see line: " + e.Line
}

// Subscriber tails LogChannel and forwards each line to Sink, the terminal
// counterpart to SICLogSubscriber. OnRemoteError, if set, is invoked (off
// the subscription goroutine's critical path is not guaranteed, so it must
// not block) whenever a mirrored line looks like an ERROR-level record.
type Subscriber struct {
	Sink          func(line string)
	OnRemoteError func(*RemoteError)

	b     bus.Bus
	token string
}

// NewSubscriber returns a Subscriber that writes to sink by default.
func NewSubscriber(sink func(line string)) *Subscriber {
	return &Subscriber{Sink: sink}
}

// Start subscribes to LogChannel exactly once; repeated calls are no-ops
// while already running, matching subscribe_to_log_channel_once's
// idempotence.
func (s *Subscriber) Start(ctx context.Context, b bus.Bus) error {
	if s.token != "" {
		return nil
	}

	token, err := b.Subscribe(ctx, LogChannel, func(ctx context.Context, payload []byte) {
		s.handle(payload)
	})
	if err != nil {
		return err
	}
	s.b = b
	s.token = token
	return nil
}

func (s *Subscriber) handle(payload []byte) {
	env, err := envelope.DecodeBytes(payload)
	if err != nil {
		return
	}
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return
	}

	if s.Sink != nil {
		s.Sink(msg.Msg)
	}

	if s.OnRemoteError != nil && strings.Contains(msg.Msg, "ERROR") {
		s.OnRemoteError(&RemoteError{Line: msg.Msg})
	}
}

// Stop unsubscribes from the log channel.
func (s *Subscriber) Stop() error {
	if s.token == "" {
		return nil
	}
	token := s.token
	s.token = ""
	return s.b.Unsubscribe(token)
}
