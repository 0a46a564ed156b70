// Package errs provides the structured error envelope shared by the order synchronization engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code classifies a failure by how the engine reacts to it.
type Code string

const (
	// CodeTransport indicates a connection drop, dial failure or heartbeat timeout. Always retried.
	CodeTransport Code = "transport"
	// CodeAuth indicates rejected credentials. Never retried.
	CodeAuth Code = "auth"
	// CodeProtocol indicates a frame that could not be decoded.
	CodeProtocol Code = "protocol"
	// CodeHandler indicates a subscriber callback returned an error or panicked.
	CodeHandler Code = "handler"
	// CodeConflict indicates a stale or duplicate order update.
	CodeConflict Code = "conflict"
	// CodeStorage indicates a durable write failed after bounded retries.
	CodeStorage Code = "storage"
	// CodeExchange indicates the exchange rejected a REST request.
	CodeExchange Code = "exchange_error"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeRateLimited indicates the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
)

// E captures structured error information produced across the engine.
type E struct {
	Component string
	Code      Code
	Topic     string
	OrderID   string
	RawCode   string
	RawMsg    string
	Message   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
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

// WithTopic records the stream topic involved in the failure.
func WithTopic(topic string) Option {
	trimmed := strings.TrimSpace(topic)
	return func(e *E) {
		e.Topic = trimmed
	}
}

// WithOrderID records the order the failure relates to.
func WithOrderID(orderID string) Option {
	trimmed := strings.TrimSpace(orderID)
	return func(e *E) {
		e.OrderID = trimmed
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

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Topic != "" {
		parts = append(parts, "topic="+e.Topic)
	}
	if e.OrderID != "" {
		parts = append(parts, "order_id="+e.OrderID)
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
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the outermost envelope in err's chain, or an empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether err carries an envelope with the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsTransient reports whether the failure may succeed when retried.
// Unclassified errors are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeAuth, CodeInvalid, CodeProtocol, CodeConflict, CodeNotFound:
		return false
	default:
		return true
	}
}
