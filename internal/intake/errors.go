package intake

import "github.com/linnemanlabs/go-core/xerrors"

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = xerrors.New("validation failed")

	// ErrNotFound covers unknown ids and appointments that are no longer queued.
	ErrNotFound = xerrors.New("not found")

	// ErrConflict is returned when a patient with the same identity already exists.
	ErrConflict = xerrors.New("already exists")

	// ErrAlreadyFinal is returned when finalizing a notification that left Pending.
	ErrAlreadyFinal = xerrors.New("notification already finalized")

	// ErrDelivery wraps transport failures on a direct send.
	ErrDelivery = xerrors.New("delivery failed")
)

// ValidationError names the offending input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// Is lets errors.Is(err, ErrValidation) match any field.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ErrInvalidContact is returned when a patient has no number the transport can use.
var ErrInvalidContact error = &ValidationError{Field: "contact", Reason: "patient has no usable contact number"}
