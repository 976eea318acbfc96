package cli

import (
	"errors"
	"fmt"

	"twoyi/internal/gate"
	"twoyi/internal/rom"
	"twoyi/internal/supervisor"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // transient or unclassified failure
	ExitCommandError = 2 // bad invocation, or a terminal error a restart will not fix
	ExitRefused      = 3 // permission gate not passed; rerun once capabilities are granted
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to a process exit code. Explicit ExitErrors win;
// otherwise integrity failures and crash loops are terminal and a
// refused gate is retryable.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch {
	case errors.Is(err, gate.ErrPermissionRefused):
		return ExitRefused
	case errors.Is(err, rom.ErrIntegrity), errors.Is(err, supervisor.ErrCrashLoop):
		return ExitCommandError
	default:
		return ExitFailure
	}
}
