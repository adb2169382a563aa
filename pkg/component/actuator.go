package component

import (
	"context"

	"github.com/social-interaction-cloud/sic/pkg/bus"
)

// Actuator wraps a RequestHandler with the same exclusive reservation a
// Sensor takes, since both specializations model ownership of a piece of
// hardware a single client controls at a time (§4.D Actuator specialization).
type Actuator struct {
	*Base
}

// NewActuator wraps base; base.impl must implement RequestHandler, whose
// OnRequest is the actuator's Execute(request) -> reply.
func NewActuator(base *Base) *Actuator {
	return &Actuator{Base: base}
}

// Start acquires the reservation before registering handlers, failing
// startup with ReservationConflict if another client already holds it.
func (a *Actuator) Start(ctx context.Context) error {
	held, err := a.Bus().SetIfAbsent(ctx, bus.ReservationKey(a.ComponentID()), a.Config().RequestReplyChannel)
	if err != nil {
		return err
	}
	if !held {
		return ErrReservationConflict(a.ComponentID())
	}

	if err := a.Base.Start(ctx); err != nil {
		_ = a.Bus().DeleteReservation(ctx, bus.ReservationKey(a.ComponentID()))
		return err
	}
	return nil
}

// Stop releases the reservation in addition to the base Stop sequence.
func (a *Actuator) Stop(ctx context.Context) error {
	err := a.Base.Stop(ctx)
	_ = a.Bus().DeleteReservation(ctx, bus.ReservationKey(a.ComponentID()))
	return err
}
