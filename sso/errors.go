package sso

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an Error.
type Kind int

const (
	// KindGeneric covers any failure not classified below.
	KindGeneric Kind = iota
	// KindInvalidToken means the credential is missing, expired, or revoked.
	KindInvalidToken
	// KindTokenExpired means the token is inside the refresh buffer and
	// auto-refresh is disabled.
	KindTokenExpired
	// KindRateLimited means the server asked the client to back off.
	KindRateLimited
	// KindValidation means the request was rejected as malformed.
	KindValidation
	// KindNetwork means the request never produced an HTTP response.
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindInvalidToken:
		return "invalid_token"
	case KindTokenExpired:
		return "token_expired"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	default:
		return "generic"
	}
}

// Sentinels for errors.Is matching against an Error's kind.
var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrTokenExpired = errors.New("token expired and auto refresh is disabled")
	ErrRateLimited  = errors.New("rate limited")
	ErrValidation   = errors.New("validation failed")
	ErrNetwork      = errors.New("network failure")
	ErrGeneric      = errors.New("request failed")
)

// Error is the typed failure returned by every Client operation.
type Error struct {
	Kind        Kind
	Status      int
	Code        string
	Description string
	Details     map[string]any
	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Code != "" && e.Code != msg {
		msg += " (" + e.Code + ")"
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s [%d]", msg, e.Status)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidToken:
		return ErrInvalidToken
	case KindTokenExpired:
		return ErrTokenExpired
	case KindRateLimited:
		return ErrRateLimited
	case KindValidation:
		return ErrValidation
	case KindNetwork:
		return ErrNetwork
	default:
		return ErrGeneric
	}
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func invalidTokenError(description string) *Error {
	return &Error{Kind: KindInvalidToken, Code: "invalid_token", Description: description}
}

func validationError(code, description string) *Error {
	return &Error{Kind: KindValidation, Code: code, Description: description}
}

func networkError(err error) *Error {
	return &Error{Kind: KindNetwork, Code: "network_error", Description: "request could not be completed", Err: err}
}
