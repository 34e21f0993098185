package fault

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrConfig      = errors.New("configuration error")
	ErrEnvironment = errors.New("environment error")
)

// Exit codes returned by [ExitCode].
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitEnvironment = 3
)

// An error of a known kind with its underlying cause.
type kindError struct {
	kind  error // Sentinel identifying the failure class.
	cause error // Underlying error, carrying a stack trace.
}

// Formats as "kind: cause".
func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

// Exposes both the kind and the cause to errors.Is and errors.As.
func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

// Returns the innermost stack trace recorded for the error, if any.
func (e *kindError) StackTrace() pkgerrors.StackTrace {
	var st interface{ StackTrace() pkgerrors.StackTrace }
	if errors.As(e.cause, &st) {
		return st.StackTrace()
	}
	return nil
}

// Wraps err with the given kind.
//
// Returns nil when err is nil so that the call can be used directly in a
// return statement.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: pkgerrors.WithStack(err)}
}

// Builds a cause from a format string and wraps it with the given kind.
//
// The format follows fmt.Errorf, so %w may be used to keep an inner error
// reachable through errors.Is.
func Wrapf(kind error, format string, args ...any) error {
	return &kindError{kind: kind, cause: pkgerrors.WithStack(fmt.Errorf(format, args...))}
}

// Returns the process exit code for an error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrEnvironment):
		return ExitEnvironment
	default:
		return ExitFailure
	}
}

// Returns the stack trace recorded for err, one frame per line, or "" when
// none was recorded.
func Stack(err error) string {
	var st interface{ StackTrace() pkgerrors.StackTrace }
	if !errors.As(err, &st) {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%+v", st.StackTrace()))
}
