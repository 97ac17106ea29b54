package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ErrorCode is the shared error taxonomy layered over the vendor APIs.
// The Retryable flag on Error, not the code itself, drives retry policy.
type ErrorCode string

const (
	ErrRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrInvalidToken      ErrorCode = "INVALID_TOKEN"
	ErrTokenExpired      ErrorCode = "TOKEN_EXPIRED"
	ErrInvalidMedia      ErrorCode = "INVALID_MEDIA"
	ErrDuplicatePost     ErrorCode = "DUPLICATE_POST"
	ErrAccountSuspended  ErrorCode = "ACCOUNT_SUSPENDED"
	ErrNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrPlatformError     ErrorCode = "PLATFORM_ERROR"
	ErrNotImplemented    ErrorCode = "NOT_IMPLEMENTED"
)

// Error is a classified publishing failure.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a classified error.
func NewError(code ErrorCode, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// AsError extracts a classified error from err, or nil if none is wrapped.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// Classify maps an arbitrary error onto the taxonomy. Already-classified
// errors pass through; transport-level failures become retryable
// NetworkError; anything else is a non-retryable PlatformError.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if pe := AsError(err); pe != nil {
		return pe
	}
	if ne := classifyTransport(err); ne != nil {
		return ne
	}
	return NewError(ErrPlatformError, err.Error(), false)
}

// classifyTransport recognizes connection-level failures that are worth
// retrying on every platform: resets, timeouts, refused connections and
// cancelled deadlines.
func classifyTransport(err error) *Error {
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrNetworkError, err.Error(), true)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(ErrNetworkError, err.Error(), true)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NewError(ErrNetworkError, err.Error(), true)
	}

	// String matching as a last resort; some vendor SDK errors only
	// surface the errno name.
	msg := strings.ToUpper(err.Error())
	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") {
		return NewError(ErrNetworkError, err.Error(), true)
	}

	return nil
}
