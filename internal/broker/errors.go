package broker

import "errors"

// Code is one of the stable error codes clients may branch on (spec §7).
type Code string

const (
	CodeBadFrame             Code = "bad-frame"
	CodeInvalidType          Code = "invalid-type"
	CodeInvalidArgument      Code = "invalid-argument"
	CodeTopicNotFound        Code = "topic-not-found"
	CodeTopicExists          Code = "topic-exists"
	CodeInvalidName          Code = "invalid-name"
	CodePayloadTooLarge      Code = "payload-too-large"
	CodeTooManySubscriptions Code = "too-many-subscriptions"
	CodeTooManyTopics        Code = "too-many-topics"
	CodeTooManySessions      Code = "too-many-sessions"
	CodeTooManyRequests      Code = "too-many-requests"
	CodeInternal             Code = "internal"
)

// Error wraps a stable Code with an optional human-readable detail, so
// callers can branch on Code while still logging Detail.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Detail
}

// NewError builds an *Error for code, optionally with a detail string.
func NewError(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// CodeOf extracts the stable Code from err, defaulting to CodeInternal if
// err does not wrap an *Error.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternal
}

var (
	ErrTopicNotFound = NewError(CodeTopicNotFound, "")
	ErrTopicExists   = NewError(CodeTopicExists, "")
	ErrInvalidName   = NewError(CodeInvalidName, "")
)
