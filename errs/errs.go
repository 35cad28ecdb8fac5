// Package errs provides structured error types shared across the connectivity stack.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a failure category in the connectivity error taxonomy.
type Code string

const (
	// CodeConfiguration indicates missing or malformed session configuration.
	CodeConfiguration Code = "configuration"
	// CodeValidation indicates input rejected before transmission.
	CodeValidation Code = "validation"
	// CodeTransport indicates a network transport failure eligible for retry.
	CodeTransport Code = "transport"
	// CodeProtocol indicates an exchange-reported rejection that must not be retried.
	CodeProtocol Code = "protocol"
	// CodeRateLimited indicates the exchange throttled the request.
	CodeRateLimited Code = "rate_limited"
	// CodeStaleUpdate indicates an update older than the applied sequence marker.
	CodeStaleUpdate Code = "stale_update"
	// CodeLeaseExpired indicates the user-stream lease is no longer valid.
	CodeLeaseExpired Code = "lease_expired"
)

// Retryable reports whether failures in this category may be retried.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransport, CodeRateLimited, CodeLeaseExpired:
		return true
	default:
		return false
	}
}

// E captures structured error information produced across the stack.
type E struct {
	Op      string
	Code    Code
	HTTP    int
	RawCode string
	RawMsg  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		HTTP:    0,
		RawCode: "",
		RawMsg:  "",
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, walking the cause chain.
// Errors outside the taxonomy yield the empty code.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
