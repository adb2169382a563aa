// Package bus implements the shared pub/sub broker plus its small
// key-value surface (reservations, data-stream descriptors) that every
// other module in this repository talks through.
//
// Core interfaces are defined here with zero backend dependencies; each
// pub/sub backend lives in its own sub-package (pkg/bus/adapters/{driver}).
// The key-value surface is not reimplemented per backend: it is composed
// from the already-backend-agnostic pkg/concurrency/distlock (reservations)
// and pkg/cache (data-stream descriptors), picking the matching driver.
package bus

import (
	"context"
	"time"
)

// Handler processes a single message delivered on a channel. The bus
// invokes handlers serially per subscription, but different subscriptions
// run concurrently on their own worker.
type Handler func(ctx context.Context, payload []byte)

// Broker abstracts the pub/sub transport. Each adapter in
// pkg/bus/adapters/{driver} implements this.
type Broker interface {
	// Publish sends payload on channel and returns the number of
	// subscribers it was delivered to.
	Publish(ctx context.Context, channel string, payload []byte) (int, error)

	// Subscribe registers handler on channel, invoked on a dedicated
	// worker goroutine, and returns an opaque subscription token.
	Subscribe(ctx context.Context, channel string, handler Handler) (string, error)

	// Unsubscribe tears down a subscription. Idempotent: unsubscribing an
	// already-removed or unknown token is a no-op.
	Unsubscribe(token string) error

	// Time returns the broker's shared clock, used as the authoritative
	// timestamp source so sensor timestamps are comparable across devices.
	Time(ctx context.Context) (seconds int64, microseconds int64, error error)

	// Close tears down every live subscription and the underlying
	// connection. Idempotent.
	Close() error
}

// Bus is the full surface §4.A describes: pub/sub plus the reservation and
// data-stream key-value operations.
type Bus interface {
	Broker

	// SetIfAbsent atomically claims key for value if no one holds it yet,
	// backing the reservation semantics in §3/§6. Returns false if already
	// held.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)

	// DeleteReservation releases a reservation previously claimed by this
	// Bus instance via SetIfAbsent. Best-effort: releasing an unheld or
	// unknown key is a no-op.
	DeleteReservation(ctx context.Context, key string) error

	// PutDataStream stores a data-stream descriptor as JSON under key.
	PutDataStream(ctx context.Context, key string, value interface{}) error

	// GetDataStream reads a data-stream descriptor into dest.
	GetDataStream(ctx context.Context, key string, dest interface{}) error

	// DeleteDataStream removes a data-stream descriptor.
	DeleteDataStream(ctx context.Context, key string) error
}

// ReservationTTL stands in for "holds until explicitly released": the
// underlying distlock.Lock API is TTL-based, and the in-memory adapter
// treats a zero TTL as already expired, so an indefinite reservation is
// modeled as one with a TTL far longer than any process lifetime.
const ReservationTTL = 100 * 365 * 24 * time.Hour

// ReservationKey formats the reservation key grammar from §6.
func ReservationKey(componentID string) string {
	return "reservation:" + componentID
}

// DataStreamKey formats the data-stream descriptor key grammar from §6.
func DataStreamKey(componentChannel string) string {
	return "data_stream:" + componentChannel
}

// DataStreamDescriptor is the JSON value stored at a DataStreamKey.
type DataStreamDescriptor struct {
	ComponentEndpoint string `json:"componentEndpoint"`
	InputChannel      string `json:"inputChannel"`
	ClientID          string `json:"clientId"`
}
