package lookup

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBaseURL is returned when the service URL cannot be parsed.
	ErrInvalidBaseURL = errors.New("invalid service URL")

	// ErrInvalidProxyAddress is returned when the proxy address is not host:port.
	ErrInvalidProxyAddress = errors.New("invalid proxy address format: expected host:port")

	// ErrUnexpectedStatus is returned when the service answers with a non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected response status")

	// ErrInvalidResponse is returned when a response body cannot be interpreted.
	ErrInvalidResponse = errors.New("invalid response from lookup service")
)

// StatusError describes a non-2xx answer.
type StatusError struct {
	Operation string
	Code      int
	Body      string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Operation, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Operation, e.Code, e.Body)
}

// Unwrap returns ErrUnexpectedStatus.
func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}
