package session

import (
	"errors"
	"fmt"
)

var (
	ErrEmptySubmission = errors.New("nothing to send: type a message or attach a file")
	ErrBusy            = errors.New("a message is already being sent")
	ErrEmptyChat       = errors.New("cannot save an empty chat")
	ErrNotTemporary    = errors.New("chat is not temporary")
	ErrEmptyTitle      = errors.New("title is empty")
	ErrInvalidMode     = errors.New("unknown mode")
	ErrNotFound        = errors.New("chat not found")
	// ErrStale is returned when a response arrives for a session that was
	// replaced while the request was in flight. The response is dropped.
	ErrStale = errors.New("session changed while the request was in flight")
)

type UsageKind string

const (
	UsageMessages    UsageKind = "messages"
	UsageWebSearches UsageKind = "web_searches"
)

type UsageExceededError struct {
	Kind  UsageKind
	Used  int64
	Limit int64
}

func (e *UsageExceededError) Error() string {
	return fmt.Sprintf("free plan %s limit reached (%d/%d)", e.Kind, e.Used, e.Limit)
}

// TransportError wraps a failed call to the backend.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
