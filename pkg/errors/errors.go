package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Kind classifies failures so the pipeline can decide whether to retry,
// reset the browser session, skip a row, or abort the job.
type Kind string

const (
	KindTimeout             Kind = "timeout"
	KindNetwork             Kind = "network"
	KindElementNotFound     Kind = "element_not_found"
	KindUnexpectedPageState Kind = "unexpected_page_state"
	KindPageLimit           Kind = "page_limit"
	KindMalformedRow        Kind = "malformed_row"
	KindCredential          Kind = "credential"
	KindQuota               Kind = "quota"
	KindStorage             Kind = "storage"
	KindUnknown             Kind = "unknown"
)

// Error carries a Kind alongside the operation that failed
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first typed error in err's chain
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable checks if a unit-scoped failure of this kind should be retried
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindNetwork, KindElementNotFound, KindUnexpectedPageState:
		return true
	default:
		return false
	}
}

// NeedsSessionReset reports whether the browser session model is wrong and
// must be rebuilt before the next attempt.
func NeedsSessionReset(kind Kind) bool {
	return kind == KindElementNotFound || kind == KindUnexpectedPageState
}

// IsFatal reports whether the failure breaks durability guarantees and must
// abort the job.
func IsFatal(err error) bool {
	return Is(err, KindStorage)
}
