package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	ErrBadRequest          = errors.New("broker rejected request")
	ErrUnauthorized        = errors.New("broker unauthorized")
	ErrRateLimited         = errors.New("broker rate limited")
	ErrBrokerUnavailable   = errors.New("broker unavailable")
	ErrAssetNotFound       = errors.New("outcome asset not found")
	ErrOrderFailed         = errors.New("order failed")
	ErrConfirmationTimeout = errors.New("order confirmation timed out")
	ErrAmountOutOfRange    = errors.New("amount out of range")
)

// statusError maps a non-2xx response to a sentinel error, keeping the body for context
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var base error
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		base = ErrBadRequest
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		base = ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		base = ErrRateLimited
	case resp.StatusCode >= 500:
		base = ErrBrokerUnavailable
	default:
		return fmt.Errorf("%s failed: %d %s", op, resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s: %w: %d %s", op, base, resp.StatusCode, string(body))
}
