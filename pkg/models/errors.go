package models

import (
	"errors"
	"fmt"
)

// Error kinds form the failure taxonomy shared by every component.
// They are matched with errors.Is so wrapped causes stay inspectable.
var (
	ErrValidation = errors.New("validation error")
	ErrDevice     = errors.New("device error")
	ErrNetwork    = errors.New("network error")
	ErrAuth       = errors.New("auth error")
	ErrConflict   = errors.New("conflict error")
)

func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func DeviceError(cause error) error {
	return fmt.Errorf("%w: %v", ErrDevice, cause)
}

func NetworkError(cause error) error {
	return fmt.Errorf("%w: %v", ErrNetwork, cause)
}

func AuthError(detail string) error {
	return fmt.Errorf("%w: %s", ErrAuth, detail)
}

func ConflictError(detail string) error {
	return fmt.Errorf("%w: %s", ErrConflict, detail)
}
