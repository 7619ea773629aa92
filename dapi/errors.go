package dapi

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	AlreadyConnectedError = iota

	AuthenticationError

	CommandError

	ConnectionError

	DisconnectedError

	InvalidURIError

	ProtocolError

	RateLimitError

	TimedOutError

	UnknownError
)

// NewError returns an error named after errorCode with an optional message.
func NewError(errorCode int, message ...interface{}) error {
	var errorName string

	switch errorCode {
	case AlreadyConnectedError:
		errorName = "AlreadyConnectedError"
	case AuthenticationError:
		errorName = "AuthenticationError"
	case CommandError:
		errorName = "CommandError"
	case ConnectionError:
		errorName = "ConnectionError"
	case DisconnectedError:
		errorName = "DisconnectedError"
	case InvalidURIError:
		errorName = "InvalidURIError"
	case ProtocolError:
		errorName = "ProtocolError"
	case RateLimitError:
		errorName = "RateLimitError"
	case TimedOutError:
		errorName = "TimedOutError"
	default:
		errorName = "UnknownError"
	}

	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName, message[0])
	}

	return fmt.Errorf("%s", errorName)
}

var (
	// ErrShutdown is returned for requests that were queued or submitted after
	// the scheduler was closed.
	ErrShutdown = errors.New("scheduler shut down")

	// ErrSessionClosed is returned by gateway operations after Stop or a fatal
	// close.
	ErrSessionClosed = errors.New("gateway session closed")

	// ErrHeartbeatTimeout reports a connection that stopped acknowledging
	// heartbeats. The session treats it as a resumable close.
	ErrHeartbeatTimeout = errors.New("gateway heartbeat not acknowledged")
)

// RateLimitedError describes a 429 response. The scheduler consumes it
// internally and retries the request after RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
	Global     bool
	Bucket     string
	Message    string
}

func (err *RateLimitedError) Error() string {
	scope := "bucket"
	if err.Global {
		scope = "global"
	}
	return fmt.Sprintf("rate limited (%s) on %s, retry after %v", scope, err.Bucket, err.RetryAfter)
}

// TransportError wraps a failure of the underlying call that produced no
// response.
type TransportError struct {
	Method string
	URL    string
	Cause  error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", err.Method, err.URL, err.Cause)
}

func (err *TransportError) Unwrap() error { return err.Cause }

// HTTPStatusError is a non-success, non-429 response returned to the caller
// as-is. Code and Message are filled from the JSON error body when present.
type HTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
	Code       int
	Message    string
}

func (err *HTTPStatusError) Error() string {
	if err.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s (code %d)", err.Method, err.URL, err.StatusCode, err.Message, err.Code)
	}
	return fmt.Sprintf("%s %s: status %d", err.Method, err.URL, err.StatusCode)
}

// IsHTTPStatus reports whether err wraps an HTTPStatusError with status.
func IsHTTPStatus(err error, status int) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == status
}

// CloseError is the close frame reported by a gateway connection.
type CloseError struct {
	Code   int
	Reason string
}

func (err *CloseError) Error() string {
	if err.Reason == "" {
		return "gateway closed with code " + strconv.Itoa(err.Code)
	}
	return fmt.Sprintf("gateway closed with code %d: %s", err.Code, err.Reason)
}

// Class returns how the session reacts to this close code.
func (err *CloseError) Class() CloseClass {
	return ClassifyCloseCode(err.Code)
}

// Resumable reports whether the session may resume after this close.
func (err *CloseError) Resumable() bool { return err.Class() == CloseResumable }

// Fatal reports whether the session must stop after this close.
func (err *CloseError) Fatal() bool { return err.Class() == CloseFatal }

// FatalCloseError is surfaced to error listeners when the session enters
// Closed because of a fatal close code.
type FatalCloseError struct {
	Close *CloseError
}

func (err *FatalCloseError) Error() string {
	return "fatal gateway close: " + err.Close.Error()
}

func (err *FatalCloseError) Unwrap() error { return err.Close }
