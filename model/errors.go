package model

import (
	"errors"
	"fmt"

	"github.com/pthm-cable/driftline/stepper"
)

var (
	// ErrOutOfDomain is reported when a position lies outside every flow dataset.
	ErrOutOfDomain = stepper.ErrOutOfDomain

	ErrUnboundSlot  = errors.New("slot is not bound")
	ErrMissingArray = errors.New("bound array is missing")
	ErrArrayShape   = errors.New("bound array has the wrong shape")
	ErrNonPositive  = errors.New("bound value must be positive")
	ErrNoIDSource   = errors.New("model: no id source for spawned particles")
)

// FieldError is a configuration error raised while reading a bound array.
// The particle being integrated is dropped; the run continues.
type FieldError struct {
	Slot    int
	Binding Binding
	Err     error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("slot %d (%s): %v", e.Slot, e.Binding, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err comes from a bad array binding.
func IsConfigurationError(err error) bool {
	var fe *FieldError
	return errors.As(err, &fe)
}
