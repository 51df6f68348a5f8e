package sensor

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error classes recovered locally by the retry loop
var (
	ErrNetwork = errors.New("network error")
	ErrTimeout = errors.New("timeout")
	ErrDecode  = errors.New("decode error")
)

// ValidationError reports an invalid configuration field. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StatusError is a non-2xx answer from the sensor API. It counts as a network error.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Is makes errors.Is(err, ErrNetwork) hold for status errors.
func (e *StatusError) Is(target error) bool {
	return target == ErrNetwork
}

// RequestFailedError is returned once every attempt of a request has failed.
type RequestFailedError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("request to %s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *RequestFailedError) Unwrap() error {
	return e.Err
}

// classifyTransport maps an error from the HTTP round trip to the timeout or network class.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
