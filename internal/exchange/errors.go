package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class is the retry classification of an execution error.
type Class int

const (
	ClassRetryable Class = iota
	ClassTerminal
)

func (c Class) String() string {
	if c == ClassTerminal {
		return "terminal"
	}
	return "retryable"
}

// APIError is a non-2xx response from the venue.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// ErrNoPosition is returned by adapters asked to reduce a flat symbol.
var ErrNoPosition = errors.New("no open position")

var terminalPatterns = []string{
	"schema",
	"contract",
	"invalid",
	"validation",
	"malformed",
	"precision",
	"insufficient margin",
	"reduceonly order is rejected",
	"no open position",
	"-1102", // mandatory parameter missing
	"-1111", // precision over maximum
	"-1116", // invalid order type
	"-2019", // margin insufficient
	"-2021", // order would immediately trigger
	"-2022", // reduce-only rejected
	"-4003", // quantity less than zero
}

var retryablePatterns = []string{
	"timeout",
	"deadline exceeded",
	"rate limit",
	"too many requests",
	"connection reset",
	"connection refused",
	"eof",
	"temporary",
	"unavailable",
	"429",
	"418",
	"502",
	"503",
	"504",
	"-1001", // disconnected
	"-1003", // too many requests
	"-1015", // too many orders
	"-1016", // service shutting down
}

// Classify sorts an execution error into retryable or terminal.
// Unknown errors are retryable.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}
	if errors.Is(err, context.Canceled) {
		return ClassTerminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode == 418 || apiErr.StatusCode >= 500 {
			return ClassRetryable
		}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return ClassRetryable
		}
	}
	for _, p := range terminalPatterns {
		if strings.Contains(msg, p) {
			return ClassTerminal
		}
	}
	return ClassRetryable
}

// IsRetryable is Classify shaped as a retry classifier.
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}
