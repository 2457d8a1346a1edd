// Package chappserrors defines the typed error conditions that CHAPPS
// engines can raise, per the error-handling design: every failure is
// converted into either a deny response or a clean connection close, never
// an unhandled panic escaping the connection loop.
package chappserrors

import "errors"

// Sentinel errors raised by the request parser, identity resolution, and
// the policy engines. Callers use errors.Is to classify a failure and
// decide whether to deny, fail open, or close the connection.
var (
	// ErrMalformedFrame is raised by the request parser when a frame is
	// shorter than its two-byte terminator. The connection is terminated.
	ErrMalformedFrame = errors.New("chapps: malformed policy request frame")

	// ErrNullSender is raised by sender-domain resolution (and so by the
	// sender-domain auth engine) when "sender" is empty. The cascading
	// dispatcher honours the engine's NullSenderOK flag.
	ErrNullSender = errors.New("chapps: null sender address")

	// ErrTooManyAts is raised when a sender address contains more than
	// one "@".
	ErrTooManyAts = errors.New("chapps: sender address has too many at-signs")

	// ErrNotAnEmailAddress is raised when a sender address contains no
	// "@" at all.
	ErrNotAnEmailAddress = errors.New("chapps: sender is not an email address")

	// ErrNoRecipients is raised by inbound engines when the recipient
	// list is empty.
	ErrNoRecipients = errors.New("chapps: policy request has no recipients")

	// ErrAuthenticationFailure is raised by user-identity resolution when
	// a strong identity key is required and absent.
	ErrAuthenticationFailure = errors.New("chapps: no usable identity key in request")

	// ErrCacheUnavailable wraps a Redis failure. Quota fails closed
	// (deny); sender-domain auth fails open (re-queries the config
	// store).
	ErrCacheUnavailable = errors.New("chapps: cache store unavailable")

	// ErrConfigStoreUnavailable wraps a relational store failure. Quota
	// and sender-domain auth both deny on this.
	ErrConfigStoreUnavailable = errors.New("chapps: config store unavailable")

	// ErrSPFQuery names an SPF lookup failure. The SPF engine does not
	// return it: lookup failures arrive as the SPF library's temperror or
	// permerror result and are translated through PostfixSPFActions.
	ErrSPFQuery = errors.New("chapps: SPF query failed")
)
