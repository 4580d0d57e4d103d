package spec

import "errors"

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrNoHandlers        = errors.New("module has no loaded handlers")
	ErrCommandNotFound   = errors.New("command not found")
	ErrNotConnected      = errors.New("worker not connected")
	ErrRoutingFailed     = errors.New("routing failed")
	ErrExecutionFailed   = errors.New("execution failed")
	ErrTimeout           = errors.New("timed out")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrSessionClosed     = errors.New("session closed")
)

// ErrorCode is the wire form of the error taxonomy.
type ErrorCode string

const (
	CodeValidation      ErrorCode = "VALIDATION_ERROR"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeNoHandlers      ErrorCode = "NO_HANDLERS"
	CodeCommandNotFound ErrorCode = "COMMAND_NOT_FOUND"
	CodeNotConnected    ErrorCode = "NOT_CONNECTED"
	CodeRoutingFailed   ErrorCode = "ROUTING_FAILED"
	CodeExecutionFailed ErrorCode = "EXECUTION_FAILED"
	CodeTimeout         ErrorCode = "TIMEOUT"
)

// CodeOf maps an error to its wire code. Unknown errors are execution failures.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidTransition):
		return CodeValidation
	case errors.Is(err, ErrNoHandlers):
		return CodeNoHandlers
	case errors.Is(err, ErrCommandNotFound):
		return CodeCommandNotFound
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrSessionClosed):
		return CodeNotConnected
	case errors.Is(err, ErrRoutingFailed):
		return CodeRoutingFailed
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeExecutionFailed
	}
}
