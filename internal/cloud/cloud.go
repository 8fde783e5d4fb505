// Package cloud is the narrow view of EC2 the rest of the tool needs:
// launch one instance from a template, look at it, and get rid of it.
//
// Every error returned by a Client is a *Error classified as Transient or
// Permanent; callers own the retry policy.
package cloud

import (
	"context"
	"time"

	"github.com/chainguard-dev/ec2-ephemeral/internal/instance"
)

// Client is implemented by EC2 and by test fakes.
type Client interface {
	Launch(ctx context.Context, spec instance.Spec, opts LaunchOptions) (instance.Handle, error)
	Describe(ctx context.Context, id string) (instance.Handle, error)
	Terminate(ctx context.Context, id string) error
	// Lookup finds a non-terminated instance launched with the given session
	// token. It is how an ambiguous launch failure is reconciled.
	Lookup(ctx context.Context, token string) (instance.Handle, bool, error)
}

// LaunchOptions carry the per-run values attached to a launch.
type LaunchOptions struct {
	// Token is both the EC2 ClientToken and the session tag value.
	Token string
	// Name becomes the instance's Name tag.
	Name string
	// TTL is advisory; it is recorded as an expiry tag for external reapers.
	TTL time.Duration
	// Tags are merged over the defaults.
	Tags map[string]string
}
