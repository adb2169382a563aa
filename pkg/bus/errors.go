package bus

import "github.com/social-interaction-cloud/sic/pkg/errors"

// Error codes for bus operations.
const (
	CodeConnectionFailed = "BUS_CONN_FAILED"
	CodeInvalidConfig    = "BUS_INVALID_CONFIG"
	CodePublishFailed    = "BUS_PUBLISH_FAILED"
	CodeSubscribeFailed  = "BUS_SUBSCRIBE_FAILED"
	CodeClosed           = "BUS_CLOSED"
)

// ErrConnectionFailed wraps a broker connection failure (spec §7, BusError).
func ErrConnectionFailed(err error) *errors.AppError {
	return errors.New(CodeConnectionFailed, "failed to connect to bus broker", err)
}

// ErrInvalidConfig signals a bus configuration that names an unknown driver.
func ErrInvalidConfig(msg string) *errors.AppError {
	return errors.New(CodeInvalidConfig, "invalid bus configuration: "+msg, nil)
}

// ErrPublishFailed wraps a publish failure.
func ErrPublishFailed(err error) *errors.AppError {
	return errors.New(CodePublishFailed, "failed to publish message", err)
}

// ErrSubscribeFailed wraps a subscribe failure.
func ErrSubscribeFailed(err error) *errors.AppError {
	return errors.New(CodeSubscribeFailed, "failed to subscribe", err)
}

// ErrClosed signals an operation attempted after Close.
func ErrClosed() *errors.AppError {
	return errors.New(CodeClosed, "bus connection is closed", nil)
}
