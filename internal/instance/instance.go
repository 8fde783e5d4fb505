// Package instance holds the values shared by every phase of an ephemeral
// instance's life: what to launch, and what was launched.
package instance

import "fmt"

// State is the coarse lifecycle state of an EC2 instance as this tool sees it.
type State string

const (
	StatePending     State = "pending"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

func (s State) String() string { return string(s) }

// Live reports whether the instance can still become (or already is) usable.
func (s State) Live() bool {
	return s == StatePending || s == StateRunning
}

// Spec is the fully validated description of the instance to launch and how
// to log into it. It is immutable once resolved.
type Spec struct {
	// TemplateID is the EC2 launch template, e.g. lt-0abc1234def567890.
	TemplateID string
	// TemplateVersion is "$Latest", "$Default", or a numeric version.
	TemplateVersion string
	Region          string
	// KeyPath is the absolute path to a readable SSH private key.
	KeyPath string
	SSHUser string
	SSHPort uint16
}

// Handle refers to exactly one instance launched by this process.
type Handle struct {
	ID            string
	PublicAddress string
	State         State
}

// Exists reports whether the handle refers to a launched instance at all.
func (h Handle) Exists() bool { return h.ID != "" }

// Reachable reports whether the handle carries enough to attempt a connection.
func (h Handle) Reachable() bool {
	return h.State == StateRunning && h.PublicAddress != ""
}

func (h Handle) String() string {
	if h.PublicAddress == "" {
		return fmt.Sprintf("%s (%s)", h.ID, h.State)
	}
	return fmt.Sprintf("%s (%s, %s)", h.ID, h.State, h.PublicAddress)
}
