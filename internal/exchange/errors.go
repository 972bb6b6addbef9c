package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the rate governor and request queue. Callers match
// them with errors.Is and decide whether to retry at their own layer.
var (
	// ErrRateTimeout is returned when a caller's deadline expires while
	// waiting for a rate-limit token.
	ErrRateTimeout = errors.New("rate limit wait timed out")

	// ErrEnqueueTimeout is returned when a queued request waits longer than
	// the queue timeout before being dispatched.
	ErrEnqueueTimeout = errors.New("request queue wait timed out")

	// ErrCircuitOpen is returned while the signal pool's circuit breaker
	// refuses new work.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// TransportError wraps network, timeout, and malformed-response failures.
// These are retryable: the payload never reached the exchange, or the
// response could not be understood.
type TransportError struct {
	Op     string // operation, e.g. "getTicker"
	Reason string // short classification: "network", "timeout", "schema"
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewSchemaError reports a response whose shape could not be normalized.
func NewSchemaError(op string, err error) *TransportError {
	return &TransportError{Op: op, Reason: "schema", Err: err}
}

// ExchangeError is a non-zero envelope code from the exchange. The request
// reached the venue and was refused, so it is never retried blindly and its
// result is never cached.
type ExchangeError struct {
	Code int
	Msg  string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Msg)
}

// AsExchangeError unwraps err to an *ExchangeError if one is in the chain.
func AsExchangeError(err error) (*ExchangeError, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsRetryable classifies an error for the retry policies in the signal
// workers and trade executors. Transport faults and internal timeouts are
// worth another attempt; exchange refusals about balance, duplicate
// positions, or rate limits are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateTimeout) || errors.Is(err, ErrEnqueueTimeout) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	if ee, ok := AsExchangeError(err); ok {
		msg := strings.ToLower(ee.Msg)
		switch {
		case strings.Contains(msg, "insufficient"):
			return false
		case strings.Contains(msg, "position exist"):
			return false
		case strings.Contains(msg, "rate limit"):
			return false
		}
		return false
	}
	return false
}
