package server

import (
	"errors"
	"fmt"

	"github.com/joshdurbin/strava-mirror/internal/strava"
	"github.com/joshdurbin/strava-mirror/internal/workers"
)

// ErrorCode tells an MCP client whether fixing the input or retrying later can help.
// UPSTREAM_ERROR carries the Strava failure kind in Details.
type ErrorCode string

const (
	ErrInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrUpstream      ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// ToolError is returned from tool and resource handlers.
type ToolError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Identifier string    `json:"identifier,omitempty"`
	Details    string    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Identifier != "" {
		msg += " [" + e.Identifier + "]"
	}
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func invalidInput(format string, args ...any) *ToolError {
	return &ToolError{Code: ErrInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func moduleNotFound(identifier string) *ToolError {
	return &ToolError{Code: ErrNotFound, Message: "module not registered", Identifier: identifier}
}

func internalError(msg string, err error) *ToolError {
	return &ToolError{Code: ErrInternalError, Message: msg, Details: err.Error()}
}

// cycleError maps a RunCycle failure of identifier to a ToolError. It returns
// nil for a nil err.
func cycleError(identifier string, err error) *ToolError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, workers.ErrUnknownModule):
		return moduleNotFound(identifier)
	case errors.Is(err, workers.ErrInvalidConfig):
		return &ToolError{
			Code:       ErrInvalidInput,
			Message:    "module config is invalid, re-register it first",
			Identifier: identifier,
		}
	default:
		return &ToolError{
			Code:       ErrUpstream,
			Message:    "module cycle failed",
			Identifier: identifier,
			Details:    fmt.Sprintf("kind=%s: %v", strava.KindOf(err), err),
		}
	}
}
