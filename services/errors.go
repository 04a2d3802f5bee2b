package services

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUpstream     = errors.New("upstream failure")
	ErrInternal     = errors.New("internal error")
)

// ServiceError carries a client-facing message alongside one of the sentinel kinds above.
type ServiceError struct {
	Kind    error
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, message string) error {
	return &ServiceError{Kind: kind, Message: message}
}

func wrapError(kind error, message string, err error) error {
	return &ServiceError{Kind: kind, Message: message, Err: err}
}

const fkConflictMessage = "ابتدا باید نتایج ارزیابی‌های مرتبط با این پرسشنامه حذف شوند."
