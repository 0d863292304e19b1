package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Classification tags every adapter failure with the category the router's
// retry/failover table keys on.
type Classification string

const (
	ClassAuth            Classification = "auth"
	ClassNotFound        Classification = "not_found"
	ClassRateLimited     Classification = "rate_limited"
	ClassBadRequest      Classification = "bad_request"
	ClassUpstream5xx     Classification = "upstream_5xx"
	ClassTimeout         Classification = "timeout"
	ClassNetwork         Classification = "network"
	ClassContentFilter   Classification = "content_filter"
	ClassContextTooLong  Classification = "context_too_long"
	ClassClientCancelled Classification = "client_cancelled"
	ClassUnknown         Classification = "unknown"
)

// Error is the structured failure every adapter returns. Gateway and Status
// identify where it came from; Class drives routing decisions.
type Error struct {
	Gateway string
	Class   Classification
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status=%d, class=%s)", e.Gateway, e.Message, e.Status, e.Class)
	}
	return fmt.Sprintf("%s: %s (class=%s)", e.Gateway, e.Message, e.Class)
}

// HTTPStatus returns the upstream status code, or 0 if none was observed.
func (e *Error) HTTPStatus() int { return e.Status }

// NewError builds an *Error with the class derived from status and message.
func NewError(gateway string, status int, message string) *Error {
	return &Error{
		Gateway: gateway,
		Class:   ClassifyStatus(status, message),
		Status:  status,
		Message: message,
	}
}

// ClassifyStatus maps an upstream HTTP status (and response text, for the
// 400-family ambiguity) to a Classification.
func ClassifyStatus(status int, message string) Classification {
	lower := strings.ToLower(message)
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 404:
		return ClassNotFound
	case status == 429:
		return ClassRateLimited
	case status == 400 || status == 422:
		switch {
		case strings.Contains(lower, "context length") ||
			strings.Contains(lower, "context_length") ||
			strings.Contains(lower, "maximum context") ||
			strings.Contains(lower, "too many tokens"):
			return ClassContextTooLong
		case strings.Contains(lower, "content filter") ||
			strings.Contains(lower, "content_filter") ||
			strings.Contains(lower, "flagged") ||
			strings.Contains(lower, "safety"):
			return ClassContentFilter
		default:
			return ClassBadRequest
		}
	case status == 408 || status == 504:
		return ClassTimeout
	case status >= 500 && status < 600:
		return ClassUpstream5xx
	case status >= 400 && status < 500:
		return ClassBadRequest
	default:
		return ClassUnknown
	}
}

// Classify returns the Classification for any error. Structured *Error values
// report their own class; context and network errors are recognized; the rest
// is Unknown.
func Classify(err error) Classification {
	if err == nil {
		return ""
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassClientCancelled
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassNetwork
	}

	return ClassUnknown
}

// Wrap converts any error into an *Error attributed to gateway, preserving
// an existing classification.
func Wrap(gateway string, err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{
		Gateway: gateway,
		Class:   Classify(err),
		Message: err.Error(),
	}
}
