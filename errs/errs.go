// Package errs provides structured error types shared across Tempora packages.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a transport-level error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeConflict indicates a state transition conflict.
	CodeConflict Code = "conflict"
	// CodeExchange indicates a venue-side failure.
	CodeExchange Code = "exchange_error"
	// CodeUnavailable indicates the collaborator is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures venue-agnostic error categories surfaced at the
// strategy boundary. Strategies branch on these, never on raw venue codes.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalInsufficientBalance indicates insufficient balance for the requested operation.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	// CanonicalInvalidOrder indicates malformed order parameters: bad precision,
	// unknown pair, non-positive amount, stop price on the wrong side.
	CanonicalInvalidOrder CanonicalCode = "invalid_order"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
	// CanonicalConnectivity indicates a transport failure that survived the retry budget.
	CanonicalConnectivity CanonicalCode = "connectivity"
	// CanonicalPastSchedule indicates a callback scheduled before the virtual now.
	CanonicalPastSchedule CanonicalCode = "past_schedule"
)

// E captures structured error information produced across the Tempora stack.
type E struct {
	Venue     string
	Code      Code
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:     strings.TrimSpace(venue),
		Code:      code,
		HTTP:      0,
		RawCode:   "",
		RawMsg:    "",
		Message:   "",
		Canonical: CanonicalUnknown,
		cause:     nil,
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

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
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

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}

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

// CanonicalOf extracts the canonical code from err, walking the wrap chain.
// Returns CanonicalUnknown when err carries no envelope.
func CanonicalOf(err error) CanonicalCode {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Canonical
	}
	return CanonicalUnknown
}

// InsufficientBalance returns a business-rule error for an overdraft attempt.
func InsufficientBalance(venue, msg string) *E {
	return New(venue, CodeConflict, WithMessage(msg), WithCanonicalCode(CanonicalInsufficientBalance))
}

// InvalidOrder returns a user-input error for malformed order parameters.
func InvalidOrder(venue, msg string) *E {
	return New(venue, CodeInvalid, WithMessage(msg), WithCanonicalCode(CanonicalInvalidOrder))
}

// OrderNotFound returns a lookup error for an unknown order id.
func OrderNotFound(venue, id string) *E {
	return New(venue, CodeNotFound, WithMessage("order "+id+" not found"), WithCanonicalCode(CanonicalOrderNotFound))
}

// RateLimited returns a transient error for throttled requests.
func RateLimited(venue, msg string) *E {
	return New(venue, CodeRateLimited, WithMessage(msg), WithCanonicalCode(CanonicalRateLimited))
}

// Connectivity returns a transient error for an exhausted transport retry budget.
func Connectivity(venue string, cause error) *E {
	return New(venue, CodeNetwork, WithMessage("connectivity lost"), WithCause(cause), WithCanonicalCode(CanonicalConnectivity))
}

// PastSchedule returns the error raised when a backtesting callback targets the past.
func PastSchedule(venue, msg string) *E {
	return New(venue, CodeInvalid, WithMessage(msg), WithCanonicalCode(CanonicalPastSchedule))
}

// IsInsufficientBalance reports whether err carries the insufficient_balance canonical code.
func IsInsufficientBalance(err error) bool {
	return CanonicalOf(err) == CanonicalInsufficientBalance
}

// IsInvalidOrder reports whether err carries the invalid_order canonical code.
func IsInvalidOrder(err error) bool {
	return CanonicalOf(err) == CanonicalInvalidOrder
}

// IsOrderNotFound reports whether err carries the order_not_found canonical code.
func IsOrderNotFound(err error) bool {
	return CanonicalOf(err) == CanonicalOrderNotFound
}

// IsRateLimited reports whether err carries the rate_limited canonical code.
func IsRateLimited(err error) bool {
	return CanonicalOf(err) == CanonicalRateLimited
}

// IsConnectivity reports whether err carries the connectivity canonical code.
func IsConnectivity(err error) bool {
	return CanonicalOf(err) == CanonicalConnectivity
}

// IsPastSchedule reports whether err carries the past_schedule canonical code.
func IsPastSchedule(err error) bool {
	return CanonicalOf(err) == CanonicalPastSchedule
}
