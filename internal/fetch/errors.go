package fetch

import (
	"errors"
	"fmt"
)

// ErrorKind classifies acquisition failures. Strategies raise only these;
// everything upstream branches on kind, never on message text.
type ErrorKind string

const (
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindUnreachable     ErrorKind = "unreachable"
	ErrKindBlocked         ErrorKind = "blocked"
	ErrKindInvalidResponse ErrorKind = "invalid_response"
)

// Error is the typed acquisition failure
type Error struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.Kind, e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Kind, e.URL)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether a retry against the same strategy can succeed.
// Blocked and invalid-response failures are permanent for the strategy that
// raised them; the chain moves on instead of retrying.
func (e *Error) Transient() bool {
	switch e.Kind {
	case ErrKindTimeout, ErrKindUnreachable:
		return true
	default:
		return false
	}
}

// NewError creates a typed fetch error
func NewError(kind ErrorKind, url string, statusCode int, err error) *Error {
	return &Error{Kind: kind, URL: url, StatusCode: statusCode, Err: err}
}

// AsFetchError extracts a *Error from an error chain
func AsFetchError(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindForStatus maps an HTTP status to an error kind, or "" for success
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 0:
		return ErrKindUnreachable
	case status == 403 || status == 401 || status == 429:
		return ErrKindBlocked
	case status == 408 || status == 504:
		return ErrKindTimeout
	case status >= 400:
		return ErrKindInvalidResponse
	default:
		return ""
	}
}
