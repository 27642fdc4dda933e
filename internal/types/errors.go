package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrStorage    = errors.New("storage read/write error")

	ErrAuthorization  = errors.New("authorization denied")
	ErrTransientFetch = errors.New("transient fetch failure")

	ErrInvalidBackend  = errors.New("invalid backend")
	ErrInvalidSettings = errors.New("invalid settings")
)

// Err joins a typed sentinel with the underlying error and an optional formatted context message, so that
// errors.Is(err, typedError) holds while the message still says what failed and where.
func Err(typedError error, innerErr error, msgTemplate string, args ...any) error {
	if msgTemplate == "" {
		return errors.Join(typedError, innerErr)
	} else {
		return errors.Join(typedError, innerErr, fmt.Errorf(msgTemplate, args...))
	}
}
