package bus

import (
	"context"

	"github.com/social-interaction-cloud/sic/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedBus wraps a Bus with logging and tracing on every operation,
// the same layering pkg/messaging used for InstrumentedBroker.
type InstrumentedBus struct {
	next   Bus
	tracer trace.Tracer
}

// NewInstrumentedBus wraps next with tracing/logging.
func NewInstrumentedBus(next Bus) *InstrumentedBus {
	return &InstrumentedBus{next: next, tracer: otel.Tracer("pkg/bus")}
}

func (b *InstrumentedBus) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	ctx, span := b.tracer.Start(ctx, "bus.Publish", trace.WithAttributes(
		attribute.String("bus.channel", channel),
		attribute.Int("bus.payload_size", len(payload)),
	))
	defer span.End()

	n, err := b.next.Publish(ctx, channel, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().ErrorContext(ctx, "bus publish failed", "channel", channel, "error", err)
		return n, err
	}
	span.SetStatus(codes.Ok, "published")
	return n, nil
}

func (b *InstrumentedBus) Subscribe(ctx context.Context, channel string, handler Handler) (string, error) {
	logger.L().InfoContext(ctx, "bus subscribe", "channel", channel)
	return b.next.Subscribe(ctx, channel, handler)
}

func (b *InstrumentedBus) Unsubscribe(token string) error {
	return b.next.Unsubscribe(token)
}

func (b *InstrumentedBus) Time(ctx context.Context) (int64, int64, error) {
	return b.next.Time(ctx)
}

func (b *InstrumentedBus) Close() error {
	logger.L().Info("closing bus")
	return b.next.Close()
}

func (b *InstrumentedBus) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	ok, err := b.next.SetIfAbsent(ctx, key, value)
	if err != nil {
		logger.L().ErrorContext(ctx, "reservation set-if-absent failed", "key", key, "error", err)
	}
	return ok, err
}

func (b *InstrumentedBus) DeleteReservation(ctx context.Context, key string) error {
	return b.next.DeleteReservation(ctx, key)
}

func (b *InstrumentedBus) PutDataStream(ctx context.Context, key string, value interface{}) error {
	return b.next.PutDataStream(ctx, key, value)
}

func (b *InstrumentedBus) GetDataStream(ctx context.Context, key string, dest interface{}) error {
	return b.next.GetDataStream(ctx, key, dest)
}

func (b *InstrumentedBus) DeleteDataStream(ctx context.Context, key string) error {
	return b.next.DeleteDataStream(ctx, key)
}
