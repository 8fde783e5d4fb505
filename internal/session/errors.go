package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrAuthRejected   = errors.New("SSH authentication rejected")
	ErrConnectionLost = errors.New("SSH connection lost")
	ErrTimeout        = errors.New("SSH connection timed out")
	ErrSetupFailed    = errors.New("setup command failed")
)

// Kind classifies why a session did not run to completion.
type Kind uint8

const (
	AuthRejected Kind = iota + 1
	ConnectionLost
	Timeout
	SetupFailed
)

func (k Kind) String() string {
	switch k {
	case AuthRejected:
		return "AuthRejected"
	case ConnectionLost:
		return "ConnectionLost"
	case Timeout:
		return "Timeout"
	case SetupFailed:
		return "SetupFailed"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case AuthRejected:
		return ErrAuthRejected
	case ConnectionLost:
		return ErrConnectionLost
	case Timeout:
		return ErrTimeout
	case SetupFailed:
		return ErrSetupFailed
	}
	return nil
}

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind.sentinel(), e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// classifyConnect maps a failed dial or handshake to a Kind.
func classifyConnect(err error) *Error {
	switch {
	case strings.Contains(err.Error(), "unable to authenticate"):
		return &Error{Kind: AuthRejected, Err: err}
	case isTimeout(err):
		return &Error{Kind: Timeout, Err: err}
	default:
		return &Error{Kind: ConnectionLost, Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
