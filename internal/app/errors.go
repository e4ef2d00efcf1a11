package app

import (
	"fmt"
	"net/http"
)

// Kind is the closed set of failure categories surfaced to callers.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
	KindValidation      Kind = "validation"
	KindConflict        Kind = "conflict"
	KindUnavailable     Kind = "unavailable"
	KindBadMethod       Kind = "method_not_allowed"
	KindInternal        Kind = "internal"
)

func (k Kind) Status() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindBadMethod:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

type DomainError struct {
	Kind    Kind
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(kind Kind, code, message string, details any) *DomainError {
	return &DomainError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(KindValidation, "VALIDATION_ERROR", message, details)
}

func notFoundError(code, message string) *DomainError {
	return domainError(KindNotFound, code, message, nil)
}
