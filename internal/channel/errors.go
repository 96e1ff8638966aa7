package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
)

type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

var (
	ErrMissingCredentials = errors.New("missing vendor credentials")
	ErrMissingField       = errors.New("missing required field")
)

// DispatchError is the classified failure of a vendor call. Integration is
// set when the failure is in the organization's setup rather than this
// particular contact.
type DispatchError struct {
	Class       Class
	Integration bool
	StatusCode  int
	Err         error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: vendor status %d: %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func transient(err error) error { return &DispatchError{Class: Transient, Err: err} }

func permanent(err error) error { return &DispatchError{Class: Permanent, Err: err} }

func integration(err error) error {
	return &DispatchError{Class: Permanent, Integration: true, Err: err}
}

// missing reports a required field absent from a task or lead.
func missing(what string) error {
	return permanent(fmt.Errorf("%w: %s", ErrMissingField, what))
}

// ClassOf classifies any error returned by an adapter. Unclassified errors
// are permanent, except timeouts and network failures.
func ClassOf(err error) Class {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return statusClass(re.HTTPStatusCode())
	}
	return Permanent
}

func IsTransient(err error) bool { return err != nil && ClassOf(err) == Transient }

// IsIntegration reports whether err points at broken organization setup.
func IsIntegration(err error) bool {
	if errors.Is(err, ErrMissingCredentials) {
		return true
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Integration
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		return code == http.StatusUnauthorized || code == http.StatusForbidden
	}
	return false
}

func statusClass(code int) Class {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return Transient
	case code >= 500:
		return Transient
	default:
		return Permanent
	}
}

// statusError classifies a non-2xx vendor response.
func statusError(code int, body []byte) error {
	if len(body) > 512 {
		body = body[:512]
	}
	return &DispatchError{
		Class:       statusClass(code),
		Integration: code == http.StatusUnauthorized || code == http.StatusForbidden,
		StatusCode:  code,
		Err:         errors.New(string(body)),
	}
}
