package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyAssigned    = errors.New("provider order id already assigned")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected request")
	// ErrSuperseded is returned when a mirror write targets an older version than the stored one.
	ErrSuperseded = errors.New("superseded by a newer version")
)

// GatewayError keeps the provider's response for diagnostics.
// Kind is ErrGatewayUnavailable or ErrGatewayRejected.
type GatewayError struct {
	Kind       error
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d): %s", e.StatusCode, e.Body)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
