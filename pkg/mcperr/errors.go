// Package mcperr classifies failures raised by the hub so callers can decide
// whether to retry, re-authenticate, or surface a configuration problem.
package mcperr

import (
	"errors"
	"fmt"
)

// Kind is the error classification exposed to external callers.
type Kind string

const (
	KindConfiguration  Kind = "ConfigurationError"
	KindConnection     Kind = "ConnectionError"
	KindAuthentication Kind = "AuthenticationError"
	KindToolExecution  Kind = "ToolExecutionError"
	KindProcess        Kind = "ProcessError"
	KindInstallation   Kind = "InstallationError"
	KindNotFound       Kind = "NotFoundError"
	KindRateLimited    Kind = "RateLimitedError"
	KindInternal       Kind = "InternalError"
)

// Sentinels let callers match a kind with errors.Is.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrConnection     = errors.New("connection error")
	ErrAuthentication = errors.New("authentication error")
	ErrToolExecution  = errors.New("tool execution error")
	ErrProcess        = errors.New("process error")
	ErrInstallation   = errors.New("installation error")
	ErrNotFound       = errors.New("not found")
	ErrRateLimited    = errors.New("rate limited")
	ErrInternal       = errors.New("internal error")
)

var sentinels = map[Kind]error{
	KindConfiguration:  ErrConfiguration,
	KindConnection:     ErrConnection,
	KindAuthentication: ErrAuthentication,
	KindToolExecution:  ErrToolExecution,
	KindProcess:        ErrProcess,
	KindInstallation:   ErrInstallation,
	KindNotFound:       ErrNotFound,
	KindRateLimited:    ErrRateLimited,
	KindInternal:       ErrInternal,
}

// Error wraps an underlying failure with its classification and context.
type Error struct {
	Kind     Kind
	Op       string
	ServerID string
	// Stage is set for installation failures.
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err == nil {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		if msg != "" {
			msg = msg + ": " + e.Err.Error()
		} else {
			msg = e.Err.Error()
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New builds a classified error with a display message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. An err that is already classified keeps its kind
// unless it was internal. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Kind != KindInternal {
		kind = existing.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the classification of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the text suitable for direct display: the first message
// found along the chain of classified errors, without operation prefixes.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for cur := err; cur != nil; {
		var e *Error
		if !errors.As(cur, &e) {
			break
		}
		if e.Message != "" {
			if e.Err != nil {
				return e.Message + ": " + e.Err.Error()
			}
			return e.Message
		}
		cur = e.Err
	}
	return err.Error()
}
