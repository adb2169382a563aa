package manager

import "encoding/json"

// KindStopManagerRequest asks the manager itself to shut down, distinct
// from envelope.KindStopRequest which targets one component instance.
const KindStopManagerRequest = "stop_manager_request"

// KindDescribeComponentsRequest/Reply back the introspection call added for
// cmd/sic-manager's health reporting (SPEC_FULL.md module [F]).
const (
	KindDescribeComponentsRequest = "describe_components_request"
	KindDescribeComponentsReply   = "describe_components_reply"
)

// StartComponentRequest is the payload of envelope.KindStartComponentRequest.
type StartComponentRequest struct {
	ComponentName string          `json:"component_name"`
	InputChannel  string          `json:"input_channel,omitempty"`
	ClientID      string          `json:"client_id,omitempty"`
	Conf          json.RawMessage `json:"conf,omitempty"`
}

// ComponentStartedReply is the payload of envelope.KindComponentStarted.
type ComponentStartedReply struct {
	OutputChannel       string `json:"output_channel"`
	RequestReplyChannel string `json:"request_reply_channel"`
}

// NotStartedReply is the payload of envelope.KindNotStarted.
type NotStartedReply struct {
	Error string `json:"error"`
}

// StopComponentRequest is the payload of envelope.KindStopComponentRequest.
type StopComponentRequest struct {
	OutputChannel string `json:"output_channel"`
}

// ComponentDescription is one entry of a DescribeComponentsReply.
type ComponentDescription struct {
	ComponentID         string  `json:"component_id"`
	ComponentName       string  `json:"component_name"`
	OutputChannel       string  `json:"output_channel"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
	ReservationHolder   string  `json:"reservation_holder,omitempty"`
}

// DescribeComponentsReply is the payload of KindDescribeComponentsReply.
type DescribeComponentsReply struct {
	Components []ComponentDescription `json:"components"`
}
