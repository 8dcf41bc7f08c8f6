package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownType      = errors.New("unknown message type")
	ErrStaleUpdate      = errors.New("stale update")
	ErrConnectionLost   = errors.New("connection lost")
	ErrInvalidChartKey  = errors.New("invalid chart key")
	ErrInvalidSelection = errors.New("invalid selection")
	ErrInvalidOrder     = errors.New("invalid order")
)

// DecodeError is returned for frames that cannot be turned into a typed
// message. The frame is dropped; the session carries on.
type DecodeError struct {
	Type   string // message type, empty when it could not be read
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode"
	if e.Type != "" {
		msg += " " + e.Type
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// InvariantViolation reports a payload that was applied best-effort even
// though it is semantically inconsistent.
type InvariantViolation struct {
	Component string
	Key       string
	Detail    string
	Indices   []int
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("%s %s: invariant violation: %s", e.Component, e.Key, e.Detail)
}
