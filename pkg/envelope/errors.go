package envelope

import "github.com/social-interaction-cloud/sic/pkg/errors"

// Error codes for envelope operations.
const (
	CodeUnknownMessageKind = "ENVELOPE_UNKNOWN_KIND"
)

// ErrUnknownMessageKind creates an error for a kind tag with no registered
// decoder (spec §7, UnknownMessageKind).
func ErrUnknownMessageKind(kind string) *errors.AppError {
	return errors.New(CodeUnknownMessageKind, "no decoder registered for kind: "+kind, nil)
}
