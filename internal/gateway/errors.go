package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Typed gateway errors. The expert runner's retry logic keys off these, so
// responses must map onto exactly one of them.
var (
	ErrTimeout    = errors.New("gateway timeout")
	ErrConnection = errors.New("gateway connection failed")
	ErrValidation = errors.New("gateway rejected request")
	ErrAuth       = errors.New("gateway authentication failed")
	ErrRuntime    = errors.New("gateway runtime error")
)

// Retryable reports whether a gateway error is worth retrying. Validation and
// auth failures are deterministic and never retried.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrConnection), errors.Is(err, ErrRuntime):
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status code to a typed gateway error.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrTimeout, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, status)
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return fmt.Errorf("%w: status %d", ErrValidation, status)
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrRuntime, status)
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrRuntime, status)
	}
}

// classifyTransport maps a transport-level error to a typed gateway error.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}
