package component

import "github.com/social-interaction-cloud/sic/pkg/errors"

const (
	CodeReservationConflict = "RESERVATION_CONFLICT"
	CodeMessageTypeRejected = "MESSAGE_TYPE_REJECTED"
)

// ErrReservationConflict reports that componentID's exclusive reservation
// is already held by another client.
func ErrReservationConflict(componentID string) *errors.AppError {
	return errors.New(CodeReservationConflict, "reservation already held for "+componentID, nil)
}

// ErrMessageTypeRejected reports that kind is not in a component's declared
// input set. Callers log and drop rather than propagate this.
func ErrMessageTypeRejected(kind string) *errors.AppError {
	return errors.New(CodeMessageTypeRejected, "message kind not declared as input: "+kind, nil)
}
