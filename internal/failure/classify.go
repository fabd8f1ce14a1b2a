// Package failure classifies delivery errors as retriable or permanent and
// provides typed errors for the business-rejection and validation cases.
//
// The classification drives the broker client's retry decision: retriable
// failures are requeued with backoff up to a bounded maximum, permanent
// failures are terminal and must never occupy retry slots.
package failure

import (
	"errors"
	"strings"
)

// Class is the retry classification of a delivery error.
type Class int

const (
	// ClassPermanent means retrying cannot succeed (bad input, business rule,
	// or an error we do not recognize).
	ClassPermanent Class = iota
	// ClassRetriable means the failure is transient and a later attempt may succeed.
	ClassRetriable
)

// String returns the class name for logging.
func (c Class) String() string {
	if c == ClassRetriable {
		return "retriable"
	}
	return "permanent"
}

// permanentMarkers match errors that will not succeed on retry.
// Checked before retriableMarkers so that e.g. "404" wins over "network".
var permanentMarkers = []string{
	"not found",
	"invalid",
	"missing required",
	"does not exist",
	"bad request",
	"400",
	"401",
	"403",
	"404",
	"409",
	"422",
}

// retriableMarkers match transient infrastructure failures.
var retriableMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection",
	"econnrefused",
	"etimedout",
	"network",
	"broken pipe",
	"service unavailable",
	"too many requests",
	"500",
	"502",
	"503",
	"504",
}

// Classify decides whether err is worth retrying. Errors wrapped with
// Permanent or Retriable carry their own classification; everything else is
// matched against the marker lists, case-insensitively. Unmatched errors
// default to permanent so that unanticipated failures are not retried forever.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var tagged *classifiedError
	if errors.As(err, &tagged) {
		return tagged.class
	}

	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return ClassPermanent
		}
	}
	for _, m := range retriableMarkers {
		if strings.Contains(msg, m) {
			return ClassRetriable
		}
	}
	return ClassPermanent
}

// classifiedError wraps an error with an explicit retry classification.
type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Permanent wraps err so Classify always reports it permanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassPermanent, err: err}
}

// Retriable wraps err so Classify always reports it retriable.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassRetriable, err: err}
}
