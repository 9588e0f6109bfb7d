package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrNotFound means the share token is unknown or expired, or the item index does not exist.
	ErrNotFound = errors.New("shopping list not found or expired")
	// ErrValidation means the request was malformed.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence means the store failed for infrastructural reasons.
	ErrPersistence = errors.New("persistence failure")
)

// ValidationError collects every problem found in a request.
type ValidationError struct {
	errs *multierror.Error
}

func (e *ValidationError) Error() string {
	if e.errs == nil || len(e.errs.Errors) == 0 {
		return ErrValidation.Error()
	}
	return e.errs.Error()
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Problems returns the individual validation messages.
func (e *ValidationError) Problems() []string {
	if e.errs == nil {
		return nil
	}
	out := make([]string, 0, len(e.errs.Errors))
	for _, err := range e.errs.Errors {
		out = append(out, err.Error())
	}
	return out
}

type validator struct {
	errs *multierror.Error
}

func (v *validator) addf(format string, args ...any) {
	v.errs = multierror.Append(v.errs, fmt.Errorf(format, args...))
	v.errs.ErrorFormat = joinProblems
}

func joinProblems(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (v *validator) err() error {
	if v.errs.ErrorOrNil() == nil {
		return nil
	}
	return &ValidationError{errs: v.errs}
}

func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
