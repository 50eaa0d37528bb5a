// Package failure defines the error taxonomy shared by the provisioning
// pipeline.
//
// Every error returned by a pipeline component can be classified with
// errors.Is against one of the kind sentinels below, no matter how many
// times it has been wrapped with fmt.Errorf("...: %w", err):
//
//	if errors.Is(err, failure.ErrNotFound) {
//	    // domain or distro profile absent
//	}
//
// Errors raised by external tools also carry the captured stderr, which
// can be recovered with errors.As into *failure.Error.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds.
var (
	ErrNotConnected = errors.New("not connected")
	ErrNotFound     = errors.New("not found")
	ErrExternalTool = errors.New("external tool failure")
	ErrTransfer     = errors.New("transfer failure")
	ErrIntegrity    = errors.New("integrity failure")
	ErrFilesystem   = errors.New("filesystem failure")
	ErrPrecondition = errors.New("precondition violated")
)

// Error is a classified error.
type Error struct {
	// Kind is one of the Err* sentinels in this package.
	Kind error
	// Msg describes what was being attempted.
	Msg string
	// Err is the underlying cause, if any.
	Err error
	// Stderr is the captured standard error of an external tool.
	Stderr string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString("\nOutput: ")
		b.WriteString(s)
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// NotConnected reports a missing or broken hypervisor connection.
func NotConnected(cause error, format string, args ...any) error {
	return newError(ErrNotConnected, cause, format, args...)
}

// NotFound reports an absent domain, distro profile, image or key.
func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, nil, format, args...)
}

// Transfer reports a network or status-code failure.
func Transfer(cause error, format string, args ...any) error {
	return newError(ErrTransfer, cause, format, args...)
}

// Filesystem reports a create, write, rename or remove failure.
func Filesystem(cause error, format string, args ...any) error {
	return newError(ErrFilesystem, cause, format, args...)
}

// Precondition reports a violated precondition such as a pre-existing disk.
func Precondition(format string, args ...any) error {
	return newError(ErrPrecondition, nil, format, args...)
}

// Integrity reports a failed verification. Callers treat it as non-fatal.
func Integrity(stderr string, format string, args ...any) error {
	e := newError(ErrIntegrity, nil, format, args...)
	e.Stderr = stderr
	return e
}

// ExternalTool reports a non-zero exit (or a missing binary) with the
// captured stderr attached.
func ExternalTool(cause error, stderr string, format string, args ...any) error {
	e := newError(ErrExternalTool, cause, format, args...)
	e.Stderr = stderr
	return e
}

// Stderr returns the captured tool output carried by err, or "".
func Stderr(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Stderr
	}
	return ""
}
