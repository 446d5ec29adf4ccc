package gateway

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/kursadbilgin/push-relay/internal/domain"
)

// Gateway error codes stored in Record.LastError.
const (
	CodeUnregistered    = "UNREGISTERED"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeSenderMismatch  = "SENDER_ID_MISMATCH"
	CodeAuthError       = "THIRD_PARTY_AUTH_ERROR"
	CodeQuotaExceeded   = "QUOTA_EXCEEDED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
	CodeRejected        = "REJECTED"
	CodeTimeout         = domain.ErrorCodeTimeout
	CodeUnknown         = domain.ErrorCodeUnknown
)

// GatewayError classifies a gateway call failure. Transient errors may be
// retried locally; permanent ones end the record in FAILED straight away.
type GatewayError struct {
	Code       string
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 3)
	parts = append(parts, "gateway error")
	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a send failure is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// Classify converts any send error into a *GatewayError, keeping the
// classification of errors that already carry one.
func Classify(err error) *GatewayError {
	if err == nil {
		return nil
	}

	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &GatewayError{
			Code:      CodeTimeout,
			Message:   "gateway call exceeded its deadline",
			Transient: true,
			Cause:     err,
		}
	}

	return &GatewayError{
		Code:      CodeUnknown,
		Message:   err.Error(),
		Transient: IsTransient(err),
		Cause:     err,
	}
}
