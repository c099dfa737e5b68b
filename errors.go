// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package llmquota contains the admission-control engine of an LLM gateway, along with the
// interfaces extension authors implement to plug in counter, plan and ledger stores.
package llmquota

import (
	"errors"
	"fmt"
)

// ErrorReason provides details on why a call failed.
type ErrorReason int

const (
	// Quota exceeded for at least one dimension
	ER_DENIED ErrorReason = iota

	// Counter, plan or ledger store unreachable or timed out
	ER_STORE_UNAVAILABLE

	// No plan for the entity
	ER_NOT_FOUND

	// A plan already exists for the entity
	ER_PLAN_EXISTS

	// The plan has been revoked
	ER_PLAN_INACTIVE

	// The plan does not permit the requested model
	ER_MODEL_NOT_PERMITTED

	// Malformed input from the caller
	ER_INVALID_ARGUMENT
)

var reasonNames = []string{
	ER_DENIED:              "ER_DENIED",
	ER_STORE_UNAVAILABLE:   "ER_STORE_UNAVAILABLE",
	ER_NOT_FOUND:           "ER_NOT_FOUND",
	ER_PLAN_EXISTS:         "ER_PLAN_EXISTS",
	ER_PLAN_INACTIVE:       "ER_PLAN_INACTIVE",
	ER_MODEL_NOT_PERMITTED: "ER_MODEL_NOT_PERMITTED",
	ER_INVALID_ARGUMENT:    "ER_INVALID_ARGUMENT"}

func (r ErrorReason) String() string {
	if int(r) < 0 || int(r) >= len(reasonNames) {
		return fmt.Sprintf("ErrorReason(%d)", int(r))
	}
	return reasonNames[r]
}

// ParseErrorReason is the inverse of ErrorReason.String.
func ParseErrorReason(s string) (ErrorReason, bool) {
	for i, n := range reasonNames {
		if n == s {
			return ErrorReason(i), true
		}
	}
	return 0, false
}

type QuotaError struct {
	error
	Reason ErrorReason
}

func (e QuotaError) Error() string {
	return e.error.Error()
}

func (e QuotaError) Unwrap() error {
	return e.error
}

var (
	ErrPlanNotFound = newError("no plan exists for entity", ER_NOT_FOUND)
	ErrPlanExists   = newError("plan already exists for entity", ER_PLAN_EXISTS)
)

func newError(msg string, reason ErrorReason) QuotaError {
	return QuotaError{error: errors.New(msg), Reason: reason}
}

// NewError creates a QuotaError, as when rebuilding one received from a remote engine.
func NewError(reason ErrorReason, msg string) error {
	return newError(msg, reason)
}

// StoreUnavailable wraps err, raised by the named store, as an ER_STORE_UNAVAILABLE error.
// Returns nil if err is nil.
func StoreUnavailable(store string, err error) error {
	if err == nil {
		return nil
	}
	var qe QuotaError
	if errors.As(err, &qe) {
		return err
	}
	return QuotaError{error: fmt.Errorf("%s unavailable: %w", store, err), Reason: ER_STORE_UNAVAILABLE}
}

// InvalidArgument creates an ER_INVALID_ARGUMENT error.
func InvalidArgument(format string, args ...interface{}) error {
	return QuotaError{error: fmt.Errorf(format, args...), Reason: ER_INVALID_ARGUMENT}
}

// ReasonOf extracts the ErrorReason carried by err, if any.
func ReasonOf(err error) (ErrorReason, bool) {
	var qe QuotaError
	if errors.As(err, &qe) {
		return qe.Reason, true
	}
	return 0, false
}

func hasReason(err error, reason ErrorReason) bool {
	r, ok := ReasonOf(err)
	return ok && r == reason
}

// IsDenied reports whether err is a quota denial. Denials are expected and user-facing: the
// only failure that should turn into a rejected request.
func IsDenied(err error) bool {
	r, ok := ReasonOf(err)
	return ok && (r == ER_DENIED || r == ER_PLAN_INACTIVE || r == ER_MODEL_NOT_PERMITTED)
}

func IsStoreUnavailable(err error) bool {
	return hasReason(err, ER_STORE_UNAVAILABLE)
}

func IsNotFound(err error) bool {
	return hasReason(err, ER_NOT_FOUND)
}

func IsPlanExists(err error) bool {
	return hasReason(err, ER_PLAN_EXISTS)
}
