package identifier

import (
	"context"
	"errors"
	"strings"
)

// Kind discriminates identifier allocation failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindAuthentication
	KindProtocol
	KindTimeout
	KindRemoteJobFailure
	KindUnavailable
	KindBackoff
	KindExhausted
	KindInvalidRequest
	KindCanceled
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConfiguration:    "configuration",
	KindAuthentication:   "authentication",
	KindProtocol:         "protocol",
	KindTimeout:          "timeout",
	KindRemoteJobFailure: "remote_job_failure",
	KindUnavailable:      "unavailable",
	KindBackoff:          "backoff",
	KindExhausted:        "exhausted",
	KindInvalidRequest:   "invalid_request",
	KindCanceled:         "canceled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Transient reports whether a later attempt may succeed without operator action.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindRemoteJobFailure, KindBackoff, KindExhausted, KindProtocol, KindCanceled, KindUnknown:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrAuthentication   = &Error{Kind: KindAuthentication}
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrRemoteJobFailure = &Error{Kind: KindRemoteJobFailure}
	ErrUnavailable      = &Error{Kind: KindUnavailable}
	ErrBackoff          = &Error{Kind: KindBackoff}
	ErrExhausted        = &Error{Kind: KindExhausted}
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
	ErrCanceled         = &Error{Kind: KindCanceled}
)

// Error is the single error type surfaced by identifier allocation.
type Error struct {
	Kind   Kind
	Op     string
	Stream string
	JobID  string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("identifier")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Stream != "" {
		b.WriteString(" stream=")
		b.WriteString(e.Stream)
	}
	if e.JobID != "" {
		b.WriteString(" job=")
		b.WriteString(e.JobID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ContextError classifies the error of a context the caller gave up on.
// Cancellation is KindCanceled; an expired deadline is KindTimeout.
func ContextError(op, stream string, err error) *Error {
	kind := KindTimeout
	if errors.Is(err, context.Canceled) {
		kind = KindCanceled
	}
	return &Error{Kind: kind, Op: op, Stream: stream, Detail: "abandoned by caller", Err: err}
}
