// Package apperrors provides standardized error codes for the relay.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (auth, registry, relay, storage)
//   - error: The specific error type within that domain
//
// These codes are stable identifiers that clients and operators can rely on.
// Human-readable messages are provided alongside codes.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes by domain.
const (
	// Auth domain - credential presentation and privileged operations
	CodeAuthRequired   = "auth.required"    // Operation requires an authenticated connection
	CodeAuthInvalidKey = "auth.invalid_key" // Presented key does not match the current secret
	CodeAuthDenied     = "auth.denied"      // Privileged message presented without the current secret

	// Registry domain - device registration bookkeeping
	CodeRegistryMissingDevice = "registry.missing_deviceid" // reg event without a deviceid field
	CodeRegistryStaleOwner    = "registry.stale_owner"      // Unregister skipped, entry owned by a newer connection

	// Relay domain - transport and message handling
	CodeRelayInvalidMessage = "relay.invalid_message" // Malformed or undecodable event
	CodeRelayUnknownEvent   = "relay.unknown_event"   // Event name not in the protocol
	CodeRelaySendFailed     = "relay.send_failed"     // Delivery to a peer connection failed
	CodeRelayRateLimited    = "relay.rate_limited"    // Connection exceeded the inbound event budget

	// Storage domain - credential persistence
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed

	// General domain - catch-all
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal relay error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "auth.invalid_key")
	Message string // Human-readable description
	Err     error  // Underlying error, if any
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *CodedError) Unwrap() error {
	return e.Err
}

// New creates a CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Wrap creates a CodedError wrapping an underlying error.
func Wrap(code, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, Err: err}
}

// ToCodeAndMessage extracts a stable code and message from any error.
// If the error is a CodedError (possibly wrapped), its code is used.
// Otherwise the error is classified as error.unknown.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// Domain returns the domain portion of a code ("auth.invalid_key" -> "auth").
// Returns the whole code if it has no domain separator.
func Domain(code string) string {
	if i := strings.IndexByte(code, '.'); i > 0 {
		return code[:i]
	}
	return code
}
