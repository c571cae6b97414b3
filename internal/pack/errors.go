package pack

import (
	"errors"
	"fmt"
)

// ErrorKind classifies packaging failures. The set is closed; callers switch
// on it to pick a user-facing message or a recovery flow.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindPayloadTooLarge: the url channel cannot carry the exam even after
	// compaction. Switch to the clipboard channel rather than retrying.
	KindPayloadTooLarge
	// KindMalformedPayload: no dialect could parse the code.
	KindMalformedPayload
	// KindEmptyPayload: the code parsed but held no usable question.
	KindEmptyPayload
	// KindInvalidSubmission: a submission link could not be read.
	KindInvalidSubmission
)

func (k ErrorKind) String() string {
	switch k {
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindMalformedPayload:
		return "malformed_payload"
	case KindEmptyPayload:
		return "empty_payload"
	case KindInvalidSubmission:
		return "invalid_submission"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrPayloadTooLarge   = &Error{Kind: KindPayloadTooLarge}
	ErrMalformedPayload  = &Error{Kind: KindMalformedPayload}
	ErrEmptyPayload      = &Error{Kind: KindEmptyPayload}
	ErrInvalidSubmission = &Error{Kind: KindInvalidSubmission}
)

// truncationHint is the input length above which a malformed code most likely
// lost its tail to a messaging app rather than being corrupt.
const truncationHint = 2500

// Error is the error type returned by every operation in this package.
type Error struct {
	Kind ErrorKind
	// Len is the input length for decode errors and the produced length
	// for PayloadTooLarge.
	Len int
	// Limit is the ceiling that was exceeded.
	Limit int
	// LikelyTruncated is set on MalformedPayload when Len exceeds the
	// truncation hint.
	LikelyTruncated bool
	// ImagesDropped is set on PayloadTooLarge when the rejected candidate
	// had to lose images.
	ImagesDropped bool
	Err           error
}

func (e *Error) Error() string {
	msg := "pack: " + e.Kind.String()
	switch e.Kind {
	case KindPayloadTooLarge:
		msg += fmt.Sprintf(" (%d > %d)", e.Len, e.Limit)
	case KindMalformedPayload:
		msg += fmt.Sprintf(" (input length %d", e.Len)
		if e.LikelyTruncated {
			msg += ", likely truncated"
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func malformed(input string, cause error) *Error {
	return &Error{
		Kind:            KindMalformedPayload,
		Len:             len(input),
		LikelyTruncated: len(input) > truncationHint,
		Err:             cause,
	}
}

func invalidSubmission(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidSubmission, Err: fmt.Errorf(format, args...)}
}
