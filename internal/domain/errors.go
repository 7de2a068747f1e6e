package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Wrap these with NewDomainError to add operation
// context; ErrorCodeOf maps them to wire codes.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrAccessDenied  = fmt.Errorf("access denied")
	ErrUnavailable   = fmt.Errorf("unavailable")
	ErrGatewayFailed = fmt.Errorf("model gateway failed")
)

// Sentinel errors for the domain layer.
var (
	ErrThreadNotFound  = fmt.Errorf("thread: %w", ErrNotFound)
	ErrToolNotFound    = fmt.Errorf("tool: %w", ErrNotFound)
	ErrProviderNotFound = fmt.Errorf("model provider: %w", ErrNotFound)

	// ErrVersionConflict is the optimistic-concurrency failure: an
	// append whose expected version no longer matches the stored one.
	ErrVersionConflict = fmt.Errorf("checkpoint version conflict")

	// ErrStepLimit marks a turn that exceeded its reasoning/tool step
	// budget. Kept distinct so clients can tell a looping model apart
	// from other failures.
	ErrStepLimit = fmt.Errorf("turn step limit exceeded")

	ErrStoreUnavailable = fmt.Errorf("state store: %w", ErrUnavailable)
	ErrEmptyContent     = fmt.Errorf("empty content: %w", ErrInvalidInput)
	ErrTurnInFlight     = fmt.Errorf("turn already in flight")

	// Gateway-side failures surfaced by model adapters.
	ErrRateLimit       = fmt.Errorf("rate limit: %w", ErrGatewayFailed)
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded: %w", ErrGatewayFailed)
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "StateStore.Append")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is the machine-parseable code carried on protocol error
// frames.
type ErrorCode string

const (
	CodeInvalidFormat ErrorCode = "INVALID_FORMAT"
	CodeAccessDenied  ErrorCode = "ACCESS_DENIED"
	CodeGatewayError  ErrorCode = "GATEWAY_ERROR"
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
	CodeStepLimit     ErrorCode = "STEP_LIMIT_EXCEEDED"
)

// errorCodes orders sentinel → code pairs by specificity; the first
// match along the error chain wins.
var errorCodes = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrStepLimit, CodeStepLimit},
	{ErrAccessDenied, CodeAccessDenied},
	{ErrInvalidInput, CodeInvalidFormat},
	// Backend auth failures are a gateway concern, not a client one.
	{ErrAuthInvalid, CodeGatewayError},
	{ErrGatewayFailed, CodeGatewayError},
	{ErrVersionConflict, CodeInternalError},
	{ErrStoreUnavailable, CodeInternalError},
	{ErrToolNotFound, CodeInternalError},
	{ErrThreadNotFound, CodeInternalError},
}

// ErrorCodeOf maps any error to a wire code. Unmatched errors fall
// back to CodeInternalError so nothing internal leaks onto the wire.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeInternalError
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.sentinel) {
			return ec.code
		}
	}
	return CodeInternalError
}

// Code returns the wire code for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
