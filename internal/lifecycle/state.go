package lifecycle

import (
	"fmt"
	"slices"
)

// State is where a run is in its lifecycle.
type State uint8

const (
	StateIdle State = iota
	StateLaunching
	StateAwaitingReady
	StateConnected
	StateTearingDown
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateConnected:
		return "connected"
	case StateTearingDown:
		return "tearing-down"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

var transitions = map[State][]State{
	StateIdle:          {StateLaunching, StateFailed},
	StateLaunching:     {StateAwaitingReady, StateFailed},
	StateAwaitingReady: {StateConnected, StateFailed},
	StateConnected:     {StateTearingDown, StateFailed},
	StateFailed:        {StateTearingDown},
	StateTearingDown:   {StateDone},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Phase names the step a run was in when its outcome was decided.
type Phase string

const (
	PhaseConfig   Phase = "config"
	PhaseLaunch   Phase = "launch"
	PhaseReady    Phase = "ready"
	PhaseSession  Phase = "session"
	PhaseTeardown Phase = "teardown"
)
