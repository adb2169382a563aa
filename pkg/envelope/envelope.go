// Package envelope defines the self-describing wire format shared by every
// channel on the bus: a kind tag, timestamp, provenance, and request id
// wrapped around an opaque payload.
//
// Two messages are the same class if their kind tags are equal, never by
// Go type identity — this is what lets a kind decoded on one process be
// recognized correctly after a trip through another process's bus client.
package envelope

import (
	"encoding/json"
	"strings"

	"github.com/social-interaction-cloud/sic/pkg/errors"
)

// IgnoreRequestID is the sentinel a reply uses to mean "not a reply
// anyone should wait for" — the requester's wait simply times out.
const IgnoreRequestID int64 = -1

// Control and framework kinds every implementation must carry (§6).
const (
	KindPing                  = "ping"
	KindPong                  = "pong"
	KindSuccess               = "success"
	KindIgnore                = "ignore"
	KindStopRequest           = "stop_request"
	KindStartComponentRequest = "start_component_request"
	KindComponentStarted      = "component_started"
	KindNotStarted            = "not_started"
	KindStopComponentRequest  = "stop_component_request"
	KindConnectRequest        = "connect_request"
	KindLogMessage            = "log_message"
	KindConfMessage           = "conf_message"

	// Domain payload kinds demonstrating that the registry is open-ended;
	// concrete sensors/actuators are out of scope (spec.md §1) but still
	// need a home for the kinds they would use.
	KindText          = "text"
	KindImage         = "image"
	KindAudio         = "audio"
	KindBoundingBoxes = "bounding_boxes"
)

// Envelope is the framed wire record carrying one payload plus metadata.
type Envelope struct {
	// Kind identifies the payload's schema; see the registry in this package.
	Kind string `json:"kind"`

	// Timestamp is the origin device's authoring time, in seconds since the
	// epoch. It is immutable through the pipeline: derived messages copy the
	// timestamp of the inputs that produced them, they never re-stamp.
	Timestamp float64 `json:"timestamp"`

	// PreviousComponentName is the last component that emitted this message,
	// used by services to bucket multi-source input by origin.
	PreviousComponentName string `json:"previous_component_name,omitempty"`

	// RequestID is non-zero for requests and their replies. The sentinel -1
	// means "ignore / do not treat as a reply". Zero means unset.
	RequestID int64 `json:"request_id,omitempty"`

	// Payload is the kind-specific body, held opaque until Decode.
	Payload json.RawMessage `json:"payload"`
}

// IsRequest reports whether this envelope's kind should be dispatched as a
// request by Component Base rather than treated as a reply/payload kind.
// The framework's own control kinds are requests by definition; any domain
// kind is a request by the same "_request" naming convention those control
// kinds follow (e.g. a concrete "text_request" kind), since the registry is
// open-ended and the wire format has no other way to mark a kind as a
// request (§4.B, §9 "dynamic dispatch by class-name").
func (e Envelope) IsRequest() bool {
	switch e.Kind {
	case KindPing, KindStopRequest, KindStartComponentRequest, KindStopComponentRequest, KindConnectRequest:
		return true
	}
	return strings.HasSuffix(e.Kind, "_request")
}

// Decoder turns a kind's raw JSON payload into a typed Go value.
type Decoder func(raw json.RawMessage) (interface{}, error)

// Registry maps a kind tag to its payload decoder. The zero value is usable;
// register kinds with Register before calling Decode.
type Registry struct {
	decoders map[string]Decoder
}

// NewRegistry returns a Registry seeded with the control/framework kinds,
// each decoding to a plain map so callers can type-assert or re-marshal as
// needed; domain payload kinds should call Register with a concrete type.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]Decoder)}
	raw := func(raw json.RawMessage) (interface{}, error) {
		if len(raw) == 0 {
			return map[string]interface{}{}, nil
		}
		var v map[string]interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	for _, kind := range []string{
		KindPing, KindPong, KindSuccess, KindIgnore, KindStopRequest,
		KindStartComponentRequest, KindComponentStarted, KindNotStarted,
		KindStopComponentRequest, KindConnectRequest, KindLogMessage, KindConfMessage,
	} {
		r.decoders[kind] = raw
	}
	return r
}

// Register adds or overrides the decoder for a kind.
func (r *Registry) Register(kind string, dec Decoder) {
	if r.decoders == nil {
		r.decoders = make(map[string]Decoder)
	}
	r.decoders[kind] = dec
}

// Decode parses the envelope's payload using the registered decoder for its
// kind. Returns UnknownMessageKind if no decoder is registered.
func (r *Registry) Decode(e Envelope) (interface{}, error) {
	dec, ok := r.decoders[e.Kind]
	if !ok {
		return nil, ErrUnknownMessageKind(e.Kind)
	}
	return dec(e.Payload)
}

// Encode marshals an envelope to bytes for transport over the bus.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode envelope")
	}
	return b, nil
}

// DecodeBytes parses bytes received from the bus back into an Envelope. The
// payload field remains raw JSON; use a Registry to decode it further.
func DecodeBytes(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "failed to decode envelope")
	}
	return e, nil
}

// New builds an envelope around a payload value, marshaling it to the
// payload field.
func New(kind string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "failed to marshal payload")
	}
	return Envelope{Kind: kind, Payload: raw}, nil
}
