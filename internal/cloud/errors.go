package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

var (
	ErrTransient = errors.New("transient cloud API failure")
	ErrPermanent = errors.New("permanent cloud API failure")
	ErrNotFound  = errors.New("instance not found")

	errNoInstance = errors.New("launch returned no instance")
)

const codeInstanceNotFound = "InvalidInstanceID.NotFound"

// Class says whether retrying the same call may succeed.
type Class uint8

const (
	Transient Class = iota + 1
	Permanent
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "Transient"
	case Permanent:
		return "Permanent"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

// Error is a classified failure of a single cloud API call.
type Error struct {
	Op    string
	Class Class
	// Code is the service error code, when the service returned one.
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, strings.ToLower(e.Class.String()), e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, strings.ToLower(e.Class.String()), e.Err)
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 3)
	switch e.Class {
	case Transient:
		errs = append(errs, ErrTransient)
	case Permanent:
		errs = append(errs, ErrPermanent)
	}
	if e.Code == codeInstanceNotFound {
		errs = append(errs, ErrNotFound)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

var transientCodes = map[string]bool{
	"RequestLimitExceeded":         true,
	"Throttling":                   true,
	"ThrottlingException":          true,
	"RequestThrottled":             true,
	"InternalError":                true,
	"InternalFailure":              true,
	"ServiceUnavailable":           true,
	"Unavailable":                  true,
	"InsufficientInstanceCapacity": true,
	"InsufficientCapacity":         true,
	"RequestTimeout":               true,
}

var permanentCodes = map[string]bool{
	"AuthFailure":                 true,
	"UnauthorizedOperation":       true,
	"OptInRequired":               true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"Blocked":                     true,
	"MissingParameter":            true,
	"IdempotentParameterMismatch": true,
}

// classify wraps err from operation op into a *Error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}

	e := &Error{Op: op, Err: err}

	switch {
	case errors.Is(err, context.Canceled):
		e.Class = Permanent
		return e
	case errors.Is(err, context.DeadlineExceeded):
		e.Class = Transient
		return e
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.Code = apiErr.ErrorCode()
		if c := classifyCode(e.Code); c != 0 {
			e.Class = c
			return e
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == 429 || status >= 500:
			e.Class = Transient
			return e
		case status >= 400:
			e.Class = Permanent
			return e
		}
	}

	if apiErr != nil {
		// An API code we have no opinion on: trust the fault the service reported.
		e.Class = Permanent
		if apiErr.ErrorFault() == smithy.FaultServer {
			e.Class = Transient
		}
		return e
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		e.Class = Transient
		return e
	}

	// Unknown transport failure: the request may or may not have landed.
	e.Class = Transient
	return e
}

func classifyCode(code string) Class {
	switch {
	case code == "":
		return 0
	case transientCodes[code]:
		return Transient
	case permanentCodes[code]:
		return Permanent
	case strings.HasSuffix(code, ".NotFound"),
		strings.HasSuffix(code, ".Malformed"),
		strings.HasPrefix(code, "InvalidParameter"):
		return Permanent
	}
	return 0
}
