// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import "fmt"

// Kind is the closed taxonomy of sync-engine failures. It is never meant to
// be type-switched on directly by callers outside the engine; check it with
// IsKind(err, apisync.KindConfigError), or with errors.As into *Error and a
// comparison of its Kind field.
type Kind string

const (
	KindConfigError         Kind = "ConfigError"
	KindTemplateError       Kind = "TemplateError"
	KindAuthError           Kind = "AuthError"
	KindRateLimitExhausted  Kind = "RateLimitExhausted"
	KindHttpStatusError     Kind = "HttpStatusError"
	KindHttpTransportError  Kind = "HttpTransportError"
	KindDecodeError         Kind = "DecodeError"
	KindExtractError        Kind = "ExtractError"
	KindAsyncJobTimeout     Kind = "AsyncJobTimeout"
	KindAsyncJobFailed      Kind = "AsyncJobFailed"
	KindCancelled           Kind = "Cancelled"
)

// Error wraps an inner cause with a Kind so stream runners and the
// orchestrator can apply the error policy table in §7 without string
// matching.
type Error struct {
	Kind     Kind
	Location string // e.g. "streams[2].pagination", "auth.token_url"
	Err      error
}

func (e *Error) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Location, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, location string, err error) *Error {
	return &Error{Kind: kind, Location: location, Err: err}
}

func newErrf(kind Kind, location string, format string, args ...any) *Error {
	return &Error{Kind: kind, Location: location, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err (or something it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == k {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// retryable reports whether the error policy "retry" should hand the page
// back to the HTTP executor's own retry budget rather than abort/skip.
func (e *Error) retryable() bool {
	switch e.Kind {
	case KindHttpStatusError, KindHttpTransportError, KindRateLimitExhausted:
		return true
	default:
		return false
	}
}
