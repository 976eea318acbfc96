package rom

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity marks a bundle whose contents do not match its manifest.
	// It is terminal for the launch attempt.
	ErrIntegrity = errors.New("rom integrity error")

	// ErrIO marks a disk failure while reading the bundle or writing rom/.
	ErrIO = errors.New("rom i/o error")
)

// IntegrityError describes a single manifest violation.
type IntegrityError struct {
	Path   string
	Reason string
	Want   string
	Got    string
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("rom integrity: %s: %s", e.Path, e.Reason)
	if e.Want != "" || e.Got != "" {
		msg += fmt.Sprintf(" (want %s, got %s)", e.Want, e.Got)
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

func integrityf(path, reason string, want, got any) error {
	e := &IntegrityError{Path: path, Reason: reason}
	if want != nil {
		e.Want = fmt.Sprint(want)
	}
	if got != nil {
		e.Got = fmt.Sprint(got)
	}
	return e
}

func ioError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
