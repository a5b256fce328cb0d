package broker

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Binance error codes the gateway special-cases.
const (
	codeTimestampSkew   = -1021
	codeDisconnected    = -1001
	codeTooManyRequests = -1003
	codeRateLimitOrder  = -1015
	codeServiceUnavail  = -1016
)

// ErrOrderNotFound is returned when the exchange does not know the order.
var ErrOrderNotFound = errors.New("order not found")

// APIError is a structured reject from the exchange.
type APIError struct {
	Status int    // HTTP status
	Code   int    // exchange error code, 0 when absent
	Msg    string // exchange message or truncated body
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance API error %d (HTTP %d): %s", e.Code, e.Status, e.Msg)
	}
	return fmt.Sprintf("binance API error (HTTP %d): %s", e.Status, e.Msg)
}

// IsTimestampSkew reports whether err is the clock-skew reject that a
// server-time resync can repair.
func IsTimestampSkew(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeTimestampSkew {
			return true
		}
		return strings.Contains(apiErr.Msg, "Timestamp")
	}
	return false
}

// IsTransient reports whether err is worth retrying: network failures,
// throttling, and exchange-side availability codes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeDisconnected, codeTooManyRequests, codeRateLimitOrder, codeServiceUnavail:
			return true
		}
		switch apiErr.Status {
		case 418, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection refused", "connection reset", "eof", "tcp", "dns"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsPermanent reports a 4xx reject that retrying cannot fix.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429 && apiErr.Status != 418
	}
	return false
}
