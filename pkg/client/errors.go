package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/rotisserie/eris"
)

// Common errors returned by the client.
var (
	// ErrMissingData is returned when the response has no data field.
	ErrMissingData = eris.New("response has no data field")

	// ErrNoToken is returned when authentication yields no token.
	ErrNoToken = eris.New("authentication returned no token")
)

// ErrorClass classifies a failed page request.
type ErrorClass string

const (
	// ErrorClassTimeout is a request that ran past its timeout budget.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassNetwork is a transport failure before a status arrived.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassParse is a body that could not be decoded.
	ErrorClassParse ErrorClass = "parse"

	// ErrorClassServer is a 5xx response.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit is a 429 response.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassClient is any other non-2xx response.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassAuth is a failure to obtain a bearer token.
	ErrorClassAuth ErrorClass = "auth"
)

// PageError is the cause attached to failed outcomes.
type PageError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *PageError) Error() string {
	msg := fmt.Sprintf("%s error", e.Class)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PageError) Unwrap() error {
	return e.Err
}

// Transient reports whether the class may go away on retry.
func (c ErrorClass) Transient() bool {
	switch c {
	case ErrorClassTimeout, ErrorClassNetwork, ErrorClassParse, ErrorClassServer:
		return true
	default:
		return false
	}
}

// classifyStatus maps a non-2xx status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// classifyTransportError separates timeouts from other transport failures.
func classifyTransportError(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}

// outcomeFor wraps a PageError in the outcome its class calls for.
func outcomeFor(err *PageError) page.Outcome {
	if err.Class.Transient() {
		return page.Transient(err)
	}
	return page.Fatal(err)
}

// ClassOf extracts the class of an outcome cause, or "" when the cause is
// not a PageError.
func ClassOf(err error) ErrorClass {
	var pe *PageError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ""
}
