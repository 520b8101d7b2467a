package invoke

import (
	"errors"
	"fmt"
)

var (
	// ErrOverloaded means the admission permit could not be acquired in
	// time. The caller may retry later.
	ErrOverloaded = errors.New("too many concurrent requests")
	// ErrNoTarget means the resolved connection set was empty.
	ErrNoTarget = errors.New("no connected target")
	// ErrTimeout means no reply arrived before the request deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrInactiveConnection means a connection target does not map to a
	// registry row flagged Active.
	ErrInactiveConnection = errors.New("connection is not active")
	// ErrBlobMissing means a response referenced a blob that could not
	// be read back.
	ErrBlobMissing = errors.New("response blob missing")
)

// ClientError carries a failure returned by the peer's executor. It is a
// first-class outcome, not a transport fault.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error: %s", e.Message)
}

// DecodeError means the payload or blob content did not match the
// requested type.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode response: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}
