// Package provider defines the error taxonomy shared by the CI client and the resolver.
package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidURL  = errors.New("invalid build status URL")
	ErrNotFound    = errors.New("no matching build artifact")
	ErrUnavailable = errors.New("CI provider unavailable")
)

// TransportError describes a failed remote call: network error, timeout,
// non-2xx status or an undecodable body.
type TransportError struct {
	URL        string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether err means the caller withdrew interest.
// Deadlines are not cancellation: a timeout is an ordinary transport failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// UserError wraps errors with user-friendly messages
type UserError struct {
	Message string
	Hint    string
	Err     error
}

func (e *UserError) Error() string {
	msg := e.Message
	if e.Hint != "" {
		msg += "\n\nHint: " + e.Hint
	}
	if e.Err != nil {
		msg += fmt.Sprintf("\n\nDetails: %v", e.Err)
	}
	return msg
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// WrapError converts resolver errors to user-friendly messages
func WrapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrInvalidURL) {
		return &UserError{
			Message: "Invalid build status URL",
			Hint:    "Expected an AppVeyor build link such as:\n  - https://ci.appveyor.com/project/rpcs3/rpcs3/build/1.0.1234",
			Err:     err,
		}
	}

	if errors.Is(err, ErrNotFound) {
		return &UserError{
			Message: "No build artifact found",
			Hint:    "The build may still be running, may have failed, or may be older than the search window.",
			Err:     err,
		}
	}

	var te *TransportError
	if errors.Is(err, ErrUnavailable) || errors.As(err, &te) {
		return &UserError{
			Message: "AppVeyor is unavailable",
			Hint:    "The CI provider did not answer and no earlier result is cached. Try again later.",
			Err:     err,
		}
	}

	return err
}
