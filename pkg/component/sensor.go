package component

import (
	"context"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/bus"
	"github.com/social-interaction-cloud/sic/pkg/concurrency"
	"github.com/social-interaction-cloud/sic/pkg/envelope"
)

// Producer is implemented by a sensor's concrete logic: Execute runs once
// per iteration of the sensor's worker loop and returns the next message to
// publish, or ok=false if nothing is ready yet.
type Producer interface {
	Execute(ctx context.Context) (payload interface{}, kind string, ok bool, err error)
}

// Sensor drives a Producer in a loop until stopped, reserving exclusive
// access to its componentID first (§4.D Sensor specialization).
type Sensor struct {
	*Base
	producer Producer
}

// NewSensor wraps base around producer and marks it as worker-driven so
// Stop waits for the loop to exit before running cleanup.
func NewSensor(base *Base, producer Producer) *Sensor {
	base.SetHasWorker(true)
	return &Sensor{Base: base, producer: producer}
}

// Start acquires the reservation, then the base handler registration, then
// launches the producer loop.
func (s *Sensor) Start(ctx context.Context) error {
	held, err := s.Bus().SetIfAbsent(ctx, bus.ReservationKey(s.ComponentID()), s.Config().RequestReplyChannel)
	if err != nil {
		return err
	}
	if !held {
		return ErrReservationConflict(s.ComponentID())
	}

	if err := s.Base.Start(ctx); err != nil {
		_ = s.Bus().DeleteReservation(ctx, bus.ReservationKey(s.ComponentID()))
		return err
	}

	// The loop must outlive ctx, which is scoped to Start (the manager calls
	// Start with a context bounded by its own startup timeout). Its only
	// exit signal is StopRequested.
	runCtx := context.Background()
	concurrency.SafeGo(runCtx, func() { s.run(runCtx) })
	return nil
}

func (s *Sensor) run(ctx context.Context) {
	defer s.MarkStoppedByWorker()

	for {
		select {
		case <-s.StopRequested():
			return
		default:
		}

		payload, kind, ok, err := s.producer.Execute(ctx)
		if err != nil {
			s.Logger().ErrorContext(ctx, "sensor execute failed", "error", err)
			continue
		}
		if !ok {
			continue
		}

		sec, usec, err := s.Bus().Time(ctx)
		if err != nil {
			s.Logger().WarnContext(ctx, "failed to read broker time, using local clock", "error", err)
			sec, usec = time.Now().Unix(), int64(time.Now().Nanosecond()/1000)
		}

		env, err := envelope.New(kind, payload)
		if err != nil {
			s.Logger().ErrorContext(ctx, "failed to encode sensor output", "error", err)
			continue
		}
		env.Timestamp = float64(sec) + float64(usec)/1e6

		if err := s.Publish(ctx, env); err != nil {
			s.Logger().ErrorContext(ctx, "failed to publish sensor output", "error", err)
		}
	}
}

// Stop releases the reservation in addition to the base Stop sequence.
func (s *Sensor) Stop(ctx context.Context) error {
	err := s.Base.Stop(ctx)
	_ = s.Bus().DeleteReservation(ctx, bus.ReservationKey(s.ComponentID()))
	return err
}
