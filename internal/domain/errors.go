package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeNotFound               Code = "NOT_FOUND"
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeTransitionBlocked      Code = "TRANSITION_BLOCKED"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeConflict               Code = "CONFLICT"
	CodeForbidden              Code = "FORBIDDEN"
	CodeReadinessNotCalculated Code = "READINESS_NOT_CALCULATED"
	CodeReadinessFetchError    Code = "READINESS_FETCH_ERROR"
)

// Sentinels for errors.Is. An *Error matches the sentinel with the same code.
var (
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
	ErrValidation             = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrTransitionBlocked      = &Error{Code: CodeTransitionBlocked, Message: "transition blocked"}
	ErrInvalidTransition      = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrConflict               = &Error{Code: CodeConflict, Message: "concurrent phase update"}
	ErrForbidden              = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrReadinessNotCalculated = &Error{Code: CodeReadinessNotCalculated, Message: "readiness not calculated"}
	ErrReadinessFetchError    = &Error{Code: CodeReadinessFetchError, Message: "readiness calculation failed"}
)

// Error is the domain error type with structured details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}

func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflict(projectID string) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: fmt.Sprintf("phase state of project %s changed concurrently; re-fetch and retry", projectID),
		Details: map[string]any{"project_id": projectID},
	}
}

func InvalidTransition(from, to Phase, why string) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("invalid transition %s -> %s: %s", from, to, why),
		Details: map[string]any{"from_phase": string(from), "to_phase": string(to)},
	}
}

// TransitionBlocked carries the full ordered blocker list and, for time-based
// blockers, the moment the transition becomes due.
func TransitionBlocked(from, to Phase, blockers []string, scheduledAt *time.Time) *Error {
	details := map[string]any{
		"from_phase": string(from),
		"to_phase":   string(to),
		"blockers":   append([]string(nil), blockers...),
	}
	if scheduledAt != nil {
		details["scheduled_at"] = scheduledAt.UTC().Format(time.RFC3339)
	}
	return &Error{
		Code:    CodeTransitionBlocked,
		Message: fmt.Sprintf("transition %s -> %s blocked: %s", from, to, strings.Join(blockers, "; ")),
		Details: details,
	}
}

func Forbidden(permission string) *Error {
	return &Error{
		Code:    CodeForbidden,
		Message: fmt.Sprintf("permission %s required", permission),
		Details: map[string]any{"permission": permission},
	}
}

func ReadinessNotCalculated(projectID string) *Error {
	return &Error{
		Code:    CodeReadinessNotCalculated,
		Message: fmt.Sprintf("readiness for project %s has not been calculated", projectID),
		Details: map[string]any{"project_id": projectID},
	}
}

func ReadinessFetchError(projectID string, cause error) *Error {
	return &Error{
		Code:    CodeReadinessFetchError,
		Message: fmt.Sprintf("readiness calculation for project %s failed", projectID),
		Details: map[string]any{"project_id": projectID},
		Cause:   cause,
	}
}
