// Package errors provides the relay's error taxonomy.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: the subsystem that produced the error (session, transport, config)
//   - error: the specific failure within that domain
//
// Codes are stable and returned to HTTP clients alongside a human-readable
// message so callers can branch on them programmatically.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes by domain.
const (
	// Session domain - lifecycle and process errors
	CodeInvalidArgument = "session.invalid_argument" // Required input missing (e.g. session id)
	CodeNotFound        = "session.not_found"        // Session id is not tracked
	CodeInvalidState    = "session.invalid_state"    // Working directory missing or not a directory
	CodeSpawnFailed     = "session.spawn_failed"     // Executable missing, not executable, or OS spawn error
	CodeProcessExit     = "session.process_exit"     // Process exited with nonzero code or signal
	CodeUnsupported     = "session.unsupported"      // Platform lacks process-level suspend/continue

	// Transport domain - terminal channel admission
	CodeTransportRejected = "transport.rejected" // Origin not allowed or token invalid

	// Config domain
	CodeConfigInvalid = "config.invalid" // Configuration value could not be parsed

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "session.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
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

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// HTTPStatus maps an error to the status code the control API responds with.
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case "":
		return http.StatusOK
	case CodeInvalidArgument, CodeInvalidState, CodeSpawnFailed, CodeConfigInvalid:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnsupported:
		return http.StatusNotImplemented
	case CodeTransportRejected:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Common error constructors for frequently used error types.

// MissingSessionID creates a "session.invalid_argument" error.
func MissingSessionID() *CodedError {
	return New(CodeInvalidArgument, "sessionId is required to start a session")
}

// SessionNotFound creates a "session.not_found" error.
func SessionNotFound(id string) *CodedError {
	return New(CodeNotFound, fmt.Sprintf("session %s not found", id))
}

// InvalidRepoPath creates a "session.invalid_state" error.
// The message always names the offending path.
func InvalidRepoPath(path string, cause error) *CodedError {
	return Wrap(CodeInvalidState, fmt.Sprintf("repo path not found or not a directory: %s", path), cause)
}

// NotExecutable creates a "session.spawn_failed" error for a resolved
// command that exists but cannot be executed.
func NotExecutable(path string, cause error) *CodedError {
	return Wrap(CodeSpawnFailed, fmt.Sprintf("command is not executable: %s", path), cause)
}

// SpawnFailed creates a "session.spawn_failed" error.
func SpawnFailed(command string, cause error) *CodedError {
	return Wrap(CodeSpawnFailed, fmt.Sprintf("failed to spawn %s", command), cause)
}

// ProcessExit creates a "session.process_exit" error describing how a
// process ended. Used in logs and events, never returned from start.
func ProcessExit(code int, signal string) *CodedError {
	if signal != "" {
		return New(CodeProcessExit, fmt.Sprintf("process terminated by %s", signal))
	}
	return New(CodeProcessExit, fmt.Sprintf("process exited with code %d", code))
}

// Unsupported creates a "session.unsupported" error.
func Unsupported(operation string) *CodedError {
	return New(CodeUnsupported, fmt.Sprintf("%s is not supported on this platform", operation))
}

// TransportRejected creates a "transport.rejected" error.
func TransportRejected(reason string) *CodedError {
	return New(CodeTransportRejected, reason)
}

// ConfigInvalid creates a "config.invalid" error naming the offending key.
func ConfigInvalid(key, value string, cause error) *CodedError {
	return Wrap(CodeConfigInvalid, fmt.Sprintf("invalid value %q for %s", value, key), cause)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
