package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ARCHITECTURAL DISCOVERY: One taxonomy shared by the socket and HTTP edges;
// components wrap these with %w and callers match with errors.Is
var (
	ErrUnauthenticated     = errors.New("invalid credentials")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrNotFoundOrForbidden = fmt.Errorf("%w or not owned by requester", ErrNotFound)
	ErrConflict            = errors.New("conflict")
	ErrBlocked             = errors.New("blocked")
	ErrRateLimited         = errors.New("rate limit exceeded")
)

// Stable error codes surfaced to clients and logs
const (
	CodeUnauthenticated  = "unauthenticated"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeBlocked          = "blocked"
	CodeRateLimited      = "rate_limited"
	CodeValidationFailed = "validation_failed"
	CodeInternal         = "internal"
)

// ValidationError captures field level problems with a payload
type ValidationError struct {
	FieldErrors map[string]string
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for field := range v.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return "validation failed: " + strings.Join(fields, ", ")
}

// Add records a field level problem
func (v *ValidationError) Add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// HasErrors reports whether any field problem was recorded
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// OrNil returns v as an error only when it holds field problems
func (v *ValidationError) OrNil() error {
	if v.HasErrors() {
		return v
	}
	return nil
}

// NewValidationError builds a single-field validation error
func NewValidationError(field, message string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, message)
	return v
}

// ErrorCode maps an error onto its stable client-facing code
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		return CodeValidationFailed
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrBlocked):
		return CodeBlocked
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// PublicMessage is the client-safe description of err
// FUNCTIONAL DISCOVERY: Forbidden stays generic so private resources are not revealed
func PublicMessage(err error) string {
	switch ErrorCode(err) {
	case CodeUnauthenticated:
		return "invalid credentials"
	case CodeForbidden:
		return "forbidden"
	case CodeBlocked:
		return "messaging is blocked between these users"
	case CodeNotFound:
		return "not found"
	case CodeConflict:
		return err.Error()
	case CodeRateLimited:
		return "rate limit exceeded"
	case CodeValidationFailed:
		return "validation failed"
	default:
		return "internal error"
	}
}
