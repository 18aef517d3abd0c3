// Package apperr is the error taxonomy shared by every layer. Storage adapters
// wrap driver failures as StorageUnavailable; transports map kinds to status
// codes and wire reason codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	InvalidInput
	Unauthorized
	InsufficientRole
	NotFound
	InvalidTransition
	TokenExpired
	TokenInvalid
	TokenRevoked
	RateLimited
	StorageUnavailable
)

var codes = map[Kind]string{
	Internal:           "internal",
	InvalidInput:       "invalid_input",
	Unauthorized:       "unauthorized",
	InsufficientRole:   "insufficient_role",
	NotFound:           "not_found",
	InvalidTransition:  "invalid_transition",
	TokenExpired:       "token_expired",
	TokenInvalid:       "token_invalid",
	TokenRevoked:       "token_revoked",
	RateLimited:        "rate_limited",
	StorageUnavailable: "storage_unavailable",
}

func (k Kind) String() string {
	if c, ok := codes[k]; ok {
		return c
	}
	return "internal"
}

// Error is a classified failure. Message is safe to show to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Storage wraps a collaborator failure.
func Storage(op string, err error) *Error {
	return &Error{Kind: StorageUnavailable, Message: op, Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidInput       = &Error{Kind: InvalidInput}
	ErrUnauthorized       = &Error{Kind: Unauthorized}
	ErrInsufficientRole   = &Error{Kind: InsufficientRole}
	ErrNotFound           = &Error{Kind: NotFound}
	ErrInvalidTransition  = &Error{Kind: InvalidTransition}
	ErrTokenExpired       = &Error{Kind: TokenExpired}
	ErrTokenInvalid       = &Error{Kind: TokenInvalid}
	ErrTokenRevoked       = &Error{Kind: TokenRevoked}
	ErrRateLimited        = &Error{Kind: RateLimited}
	ErrStorageUnavailable = &Error{Kind: StorageUnavailable}
)

// KindOf classifies err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Public is the client-facing message. Storage and internal failures stay generic.
func Public(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case StorageUnavailable:
		return "service temporarily unavailable"
	case Internal:
		return "internal error"
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

// Code is the wire reason code for err.
func Code(err error) string {
	return KindOf(err).String()
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidInput:
		return http.StatusBadRequest
	case Unauthorized, TokenExpired, TokenInvalid, TokenRevoked:
		return http.StatusUnauthorized
	case InsufficientRole:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case InvalidTransition:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case StorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
