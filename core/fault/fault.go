// Package fault defines the coded errors crossing the node's command surface.
//
// Components keep using package-level sentinel errors internally; a Fault is
// attached at the boundary where an operation result is returned to the
// presentation layer, so callers can branch on a stable Code instead of
// matching error strings.
package fault

import (
	"errors"
	"fmt"
)

// Code is a stable category for programmatic error handling.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"

	// Network faults are recoverable: retried, dropped, or reported.
	CodeNetworkTimeout     Code = "NETWORK_TIMEOUT"
	CodeNetworkUnreachable Code = "NETWORK_UNREACHABLE"

	// CodeCrypto marks signature or decryption failures. Never recoverable:
	// the offending message is dropped, not retried.
	CodeCrypto Code = "CRYPTO_ERROR"

	// Critical faults halt the affected subsystem and surface unmasked.
	CodeDatabase Code = "DATABASE_ERROR"
	CodeInternal Code = "INTERNAL_ERROR"
)

// Fault is a structured error with a machine-readable code.
type Fault struct {
	Code    Code
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f == nil {
		return "<nil>"
	}
	if f.Message != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return string(f.Code)
}

func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// New creates a Fault with a formatted message.
func New(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Code: code, Err: err}
}

// CodeOf extracts the Code from an error chain.
// Errors without a Fault report CodeInternal; nil reports "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Critical reports whether the code should halt the affected subsystem
// rather than be recovered locally.
func (c Code) Critical() bool {
	return c == CodeDatabase || c == CodeInternal
}
