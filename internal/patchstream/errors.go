package patchstream

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrMalformedFrame = errors.New("malformed frame")
)

type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return "malformed frame: " + e.Reason
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedFrame
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TransportError reports a failed dial or a dropped connection.
type TransportError struct {
	Endpoint string
	Attempt  int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s (attempt %d): %v", e.Endpoint, e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
