// internal/agent/errors.go
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// ErrorCode is a string type used for structured error reporting from the step executor.
// Using a custom type ensures that only predefined constants can be used where an
// ErrorCode is expected.
type ErrorCode string

const (
	// -- General Execution Errors --
	ErrCodeExecutionFailure  ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrCodeDecisionFailure   ErrorCode = "DECISION_FAILURE"
	ErrCodeMalformedDecision ErrorCode = "MALFORMED_DECISION"

	// -- Browser/DOM Errors --
	ErrCodeElementNotFound ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeoutError    ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNavigationError ErrorCode = "NAVIGATION_ERROR"
	// ErrCodeOutOfScope marks a navigation rejected by the URL allowlist.
	ErrCodeOutOfScope ErrorCode = "OUT_OF_SCOPE"
	// ErrCodeSessionClosed means the shared browser was torn down mid-step.
	ErrCodeSessionClosed ErrorCode = "SESSION_CLOSED"
)

// ParseBrowserError classifies a driver error into an ErrorCode plus details
// suitable for the case transcript and the next prompt.
func ParseBrowserError(err error, action schemas.Action) (ErrorCode, map[string]interface{}) {
	errStr := err.Error()
	lower := strings.ToLower(errStr)
	details := map[string]interface{}{
		"message": errStr,
		"action":  action.Type,
	}

	// Heuristic based error classification.
	switch {
	case strings.Contains(lower, "out of scope"):
		details["url"] = action.Value
		return ErrCodeOutOfScope, details
	case strings.Contains(lower, "unsupported action"):
		return ErrCodeUnknownAction, details
	case strings.Contains(lower, "requires a"):
		return ErrCodeInvalidParameters, details
	case errors.Is(err, context.Canceled) || strings.Contains(lower, "session closed"):
		return ErrCodeSessionClosed, details
	case strings.Contains(lower, "selector") || strings.Contains(lower, "no element found") || strings.Contains(lower, "could not find node"):
		details["selector"] = action.Selector
		return ErrCodeElementNotFound, details
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return ErrCodeTimeoutError, details
	case strings.Contains(errStr, "net::ERR") || strings.Contains(lower, "navigation"):
		return ErrCodeNavigationError, details
	}
	return ErrCodeExecutionFailure, details
}
