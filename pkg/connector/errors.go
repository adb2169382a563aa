package connector

import "github.com/social-interaction-cloud/sic/pkg/errors"

// Error codes for connector operations (spec.md §7).
const (
	CodeDeviceUnreachable   = "CONNECTOR_DEVICE_UNREACHABLE"
	CodeComponentNotStarted = "CONNECTOR_COMPONENT_NOT_STARTED"
	CodeRequestTimeout      = "CONNECTOR_REQUEST_TIMEOUT"
)

// ErrDeviceUnreachable reports that no manager replied to Ping within the
// startup timeout.
func ErrDeviceUnreachable(deviceIP string, err error) *errors.AppError {
	return errors.New(CodeDeviceUnreachable, "no manager reachable at "+deviceIP, err)
}

// ErrComponentNotStarted reports that the manager accepted a start request
// but the component failed to reach Ready.
func ErrComponentNotStarted(componentName, reason string) *errors.AppError {
	return errors.New(CodeComponentNotStarted, "component "+componentName+" did not start: "+reason, nil)
}

// ErrRequestTimeout reports that no reply arrived within the caller's
// deadline.
func ErrRequestTimeout(channel string) *errors.AppError {
	return errors.New(CodeRequestTimeout, "no reply on "+channel+" within deadline", nil)
}
