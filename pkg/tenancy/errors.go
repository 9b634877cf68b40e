package tenancy

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when a lookup matches nothing
	ErrNotFound = errors.New("not found")

	// ErrMissingHost is returned when a request carries no Host header
	ErrMissingHost = errors.New("no Host header present; tenant cannot be determined without one")

	// ErrTenantNotFound is returned when neither a canonical domain nor an
	// alias matches the requested host
	ErrTenantNotFound = errors.New("no tenant matches the requested host")
)

// ValidationError reports invalid input attributable to a single field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// InvariantViolationError reports an attempt to configure a second root site
type InvariantViolationError struct {
	// RootDomain is the canonical domain of the tenant currently holding the
	// root flag, when known.
	RootDomain string
}

func (e *InvariantViolationError) Error() string {
	if e.RootDomain == "" {
		return "a root site is already configured. You cannot create a second root site."
	}
	return fmt.Sprintf("%s is already configured as the root site. You cannot create a second root site.", e.RootDomain)
}

// IsValidation reports whether err is or wraps a *ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsInvariantViolation reports whether err is or wraps an *InvariantViolationError
func IsInvariantViolation(err error) bool {
	var ie *InvariantViolationError
	return errors.As(err, &ie)
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
