package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingField  = errors.New("missing required configuration")
	ErrInvalidFormat = errors.New("invalid configuration value")
	ErrUnreadableKey = errors.New("unusable SSH private key")
)

// Kind classifies a configuration failure.
type Kind uint8

const (
	MissingField Kind = iota + 1
	InvalidFormat
	UnreadableKey
)

func (k Kind) String() string {
	switch k {
	case MissingField:
		return "MissingField"
	case InvalidFormat:
		return "InvalidFormat"
	case UnreadableKey:
		return "UnreadableKey"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case MissingField:
		return ErrMissingField
	case InvalidFormat:
		return ErrInvalidFormat
	case UnreadableKey:
		return ErrUnreadableKey
	}
	return nil
}

// Error is returned by Resolve. Field is the first offending key; for
// MissingField, Fields lists every key that was missing.
type Error struct {
	Kind   Kind
	Field  string
	Fields []string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == MissingField {
		return fmt.Sprintf("%v: %s", ErrMissingField, strings.Join(e.fields(), ", "))
	}
	msg := fmt.Sprintf("%v: %s", e.Kind.sentinel(), e.Field)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *Error) fields() []string {
	if len(e.Fields) > 0 {
		return e.Fields
	}
	return []string{e.Field}
}
