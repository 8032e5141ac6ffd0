// Package aadk provides a Go client for the AADK job and workflow services.
package aadk

import (
	"errors"
	"fmt"
)

// Error represents an error response from an AADK service, carrying the
// HTTP status, the numeric error code, and the server's message.
type Error struct {
	StatusCode int
	Code       int32
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("aadk: code %d (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a not-found rejection.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsInvalidArgument reports whether the error is an input rejection.
func IsInvalidArgument(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400
	}
	return false
}

// IsUnavailable reports whether the service refused with unavailable.
func IsUnavailable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 503
	}
	return false
}
