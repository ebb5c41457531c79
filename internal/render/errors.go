package render

import (
	"errors"
	"fmt"
)

// Error classes shared by the handle manager, the session, and the broker.
// Callers classify with errors.Is; the underlying cause stays wrapped.
var (
	ErrLaunch  = errors.New("browser launch failed")
	ErrTimeout = errors.New("navigation timed out")
	ErrNetwork = errors.New("network error")
	ErrRender  = errors.New("render failed")
	ErrClosed  = errors.New("renderer closed")
)

// ValidationError reports a caller input defect. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Classify wraps cause with the given error class unless it already carries one.
func Classify(class error, cause error) error {
	if cause == nil {
		return nil
	}
	if IsClassified(cause) {
		return cause
	}
	return fmt.Errorf("%w: %w", class, cause)
}

// IsClassified reports whether err already belongs to one of the error classes.
func IsClassified(err error) bool {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return true
	case errors.Is(err, ErrLaunch),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNetwork),
		errors.Is(err, ErrRender),
		errors.Is(err, ErrClosed):
		return true
	default:
		return false
	}
}

// Outcome returns a short label for metrics and logs.
func Outcome(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &verr):
		return "invalid"
	case errors.Is(err, ErrLaunch):
		return "launch_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "render_error"
	}
}
