package ai

import (
	"context"
	"errors"
	"strings"
)

// ErrMissingCredential is returned when no API key is configured for a
// provider that needs one. It surfaces on the first generation attempt.
var ErrMissingCredential = errors.New("ai api key is not configured")

// Kind classifies a generation failure.
type Kind string

const (
	KindTransient         Kind = "transient"
	KindAuth              Kind = "auth"
	KindQuota             Kind = "quota"
	KindMissingCredential Kind = "missing_credential"
	KindTimeout           Kind = "timeout"
	KindUnknown           Kind = "unknown"
)

// User-facing messages for classified failures.
const (
	MsgTransient         = "The AI model is currently experiencing high demand. Please try again in a few moments."
	MsgAuth              = "Invalid API key. Please check the AI provider API key configured on the server."
	MsgQuota             = "API quota exceeded. Please check the AI provider quota limits."
	MsgMissingCredential = "The AI assistant is not configured: no API key is set on the server."
	MsgTimeout           = "The AI model took too long to respond. Please try again."
)

// Error is a classified generation failure. Error() returns text that is
// safe to show to the user who asked.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err looks like temporary provider overload.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "503") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "Service Unavailable")
}

// Classify sorts err into a Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr.Kind
	}
	if errors.Is(err, ErrMissingCredential) {
		return KindMissingCredential
	}
	if IsTransient(err) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "api key"), strings.Contains(lower, "api_key"),
		strings.Contains(lower, "x-api-key"), strings.Contains(lower, "authentication_error"):
		return KindAuth
	case strings.Contains(lower, "quota"), strings.Contains(lower, "resource_exhausted"):
		return KindQuota
	}
	return KindUnknown
}

// classify wraps err in an *Error carrying its user-facing message.
// Unclassified errors keep their original text.
func classify(err error) *Error {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr
	}
	kind := Classify(err)
	msg := err.Error()
	switch kind {
	case KindTransient:
		msg = MsgTransient
	case KindAuth:
		msg = MsgAuth
	case KindQuota:
		msg = MsgQuota
	case KindMissingCredential:
		msg = MsgMissingCredential
	case KindTimeout:
		msg = MsgTimeout
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}
