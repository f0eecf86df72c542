package ami

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is a transport-level failure. Fatal to the current
	// connection; the caller may reconnect.
	ErrConnection = errors.New("ami: connection error")
	// ErrAuth means the switch rejected the login.
	ErrAuth = errors.New("ami: authentication rejected")
	// ErrActionTimeout means no response arrived before the deadline.
	ErrActionTimeout = errors.New("ami: action timed out")
	// ErrConnectionLost invalidates actions in flight when the connection drops.
	ErrConnectionLost = errors.New("ami: connection lost")
	// ErrNotConnected rejects an action before any I/O is attempted.
	ErrNotConnected = errors.New("ami: not connected")
)

// AuthError carries the switch's reason for rejecting a login.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return ErrAuth.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAuth, e.Message)
}

func (e *AuthError) Unwrap() error {
	return ErrAuth
}

func connectionError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
}
