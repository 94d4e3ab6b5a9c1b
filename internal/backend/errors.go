package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeConflict    = "conflict"
	CodeRateLimited = "rate_limited"
	CodeUnavailable = "unavailable"
	CodeTimeout     = "timeout"
	CodeUnexpected  = "unexpected_response"
	CodeInternal    = "internal"
)

var errMissingID = errors.New("response is missing a positive id")

type Error struct {
	Method string
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Status > 0:
		return fmt.Sprintf("%s %s status=%d: %v", e.Method, e.Path, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	default:
		return fmt.Sprintf("%s %s failed status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code classifies the failure for logs and API responses.
func (e *Error) Code() string {
	if e.Status == 0 {
		if errors.Is(e.Err, context.DeadlineExceeded) {
			return CodeTimeout
		}
		var ne net.Error
		if errors.As(e.Err, &ne) && ne.Timeout() {
			return CodeTimeout
		}
		return CodeUnavailable
	}
	return codeForStatus(e.Status, e.Err)
}

func codeForStatus(status int, err error) string {
	switch {
	case err != nil && status < 300:
		return CodeUnexpected
	case status == 400 || status == 422:
		return CodeValidation
	case status == 404:
		return CodeNotFound
	case status == 409:
		return CodeConflict
	case status == 429:
		return CodeRateLimited
	case status == 408 || status == 504:
		return CodeTimeout
	case status == 502 || status == 503:
		return CodeUnavailable
	case status >= 500:
		return CodeInternal
	default:
		return CodeUnexpected
	}
}

func newStatusError(method, path string, status int, body []byte) *Error {
	return &Error{Method: method, Path: path, Status: status, Body: string(body)}
}
