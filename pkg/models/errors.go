package models

import (
	"errors"
	"fmt"
)

// Sentinel lookup failures, matched with errors.Is at the API edge.
var (
	ErrMockNotFound  = errors.New("mock not found")
	ErrProxyNotFound = errors.New("proxy not found")
)

// BindError reports a listen port that could not be bound. Fatal to the
// start call; the proxy stays STOPPED or START_FAILED.
type BindError struct {
	Port uint16
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind proxy port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// DialError reports an unreachable backend at connection time. Terminal for
// the one connection only.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("failed to dial backend %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// DecodeError reports a malformed or unrecognized protocol frame. Always
// recovered locally by falling back to raw relay.
type DecodeError struct {
	Protocol Protocol
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s frame: %v", e.Protocol, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PersistenceError reports a failed durable-store operation. The in-memory
// index is never mutated when one is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TimeoutError reports a backend that did not answer within the bounded
// request timeout.
type TimeoutError struct {
	QueryID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backend response timed out for query %s", e.QueryID)
}
