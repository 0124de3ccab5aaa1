package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass categorizes stream failures. Every backend-level failure is
// folded into one of these classes; only the terminal state produces a
// user-facing message.
type ErrorClass string

const (
	// ClassLookup covers server lookup failures. Recovered locally via the
	// static default server key and never surfaced.
	ClassLookup ErrorClass = "lookup"
	// ClassNetwork covers manifest/fragment/key transport failures.
	ClassNetwork ErrorClass = "network"
	// ClassManifest covers playlist parse and format failures.
	ClassManifest ErrorClass = "manifest"
	// ClassDecryption covers key fetch failures and proof-of-work exhaustion.
	ClassDecryption ErrorClass = "decryption"
	// ClassNotLive is the explicit "content window not active" signal.
	// Never retried via failover.
	ClassNotLive ErrorClass = "not_live"
	// ClassExhausted means all backends were tried and failed.
	ClassExhausted ErrorClass = "exhausted"
)

// StreamError is a classified stream failure.
type StreamError struct {
	Class ErrorClass
	Msg   string
	Err   error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// NewStreamError builds a classified error wrapping an underlying cause.
func NewStreamError(class ErrorClass, msg string, err error) *StreamError {
	return &StreamError{Class: class, Msg: msg, Err: err}
}

// ClassOf returns the error class of err, defaulting to ClassNetwork for
// unclassified errors.
func ClassOf(err error) ErrorClass {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassNetwork
}

// Retryable reports whether a failure of this class should advance the
// failover controller to the next backend.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassNetwork, ClassManifest, ClassDecryption:
		return true
	default:
		return false
	}
}

// ExhaustedError builds the terminal message naming every tried backend
// display name in attempted order.
func ExhaustedError(names []string, lastClass ErrorClass) *StreamError {
	msg := fmt.Sprintf("all backends failed (%s)", strings.Join(names, ", "))
	if lastClass == ClassDecryption {
		msg = fmt.Sprintf("decryption failed on all backends (%s)", strings.Join(names, ", "))
	}
	return &StreamError{Class: ClassExhausted, Msg: msg}
}
