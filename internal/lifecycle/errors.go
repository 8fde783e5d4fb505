package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrLaunch            = errors.New("failed to launch instance")
	ErrNotReady          = errors.New("instance never became ready")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Process exit codes. A successful run exits with the remote exit code.
const (
	ExitConfig      = 250
	ExitLaunch      = 251
	ExitNotReady    = 252
	ExitTeardown    = 253
	ExitSession     = 255
	ExitInterrupted = 130
)

// TeardownError means an instance may still be running and someone has to
// terminate it by hand.
type TeardownError struct {
	InstanceID string
	Region     string
	Attempts   int
	Err        error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("failed to terminate instance %s in %s after %d attempt(s): %v",
		e.InstanceID, e.Region, e.Attempts, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// ManualCommand is the AWS CLI invocation that finishes the job.
func (e *TeardownError) ManualCommand() string {
	return fmt.Sprintf("aws ec2 terminate-instances --region %s --instance-ids %s", e.Region, e.InstanceID)
}

// ExitCode maps a finished run to the process exit code. A teardown failure
// outranks everything else, interruption outranks the phase.
func ExitCode(r Report) int {
	if r.TeardownErr != nil {
		return ExitTeardown
	}
	if r.Err == nil {
		return r.ExitCode
	}
	if errors.Is(r.Err, context.Canceled) {
		return ExitInterrupted
	}
	switch r.Phase {
	case PhaseConfig:
		return ExitConfig
	case PhaseLaunch:
		return ExitLaunch
	case PhaseReady:
		return ExitNotReady
	case PhaseTeardown:
		return ExitTeardown
	}
	return ExitSession
}
