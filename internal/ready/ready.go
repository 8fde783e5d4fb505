// Package ready decides when a freshly launched instance can take an SSH
// connection: it must be running, have a public address, and accept TCP on
// the SSH port.
package ready

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/chainguard-dev/clog"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/chainguard-dev/ec2-ephemeral/internal/cloud"
	"github.com/chainguard-dev/ec2-ephemeral/internal/instance"
)

var (
	ErrTimeout      = errors.New("instance did not become reachable in time")
	ErrInterrupted  = errors.New("readiness wait interrupted")
	ErrInstanceGone = errors.New("instance is shutting down or terminated")

	errNotRunning  = errors.New("instance is not running yet")
	errNoAddress   = errors.New("instance has no public address")
	errUnreachable = errors.New("SSH port is not reachable")
)

const (
	DefaultTimeout       = 5 * time.Minute
	DefaultNotFoundGrace = 30 * time.Second
)

// Describer is the part of cloud.Client the poller needs.
type Describer interface {
	Describe(ctx context.Context, id string) (instance.Handle, error)
}

// Policy tunes a single WaitReady call.
type Policy struct {
	// Backoff spaces attempts after the first. Jitter only ever lengthens a
	// delay, so Backoff.Duration is the minimum spacing.
	Backoff wait.Backoff
	// NotFoundGrace is how long after the wait starts a not-found Describe is
	// still read as "not visible yet" rather than "gone".
	NotFoundGrace time.Duration
	Port          uint16
}

func DefaultPolicy() Policy {
	return Policy{
		Backoff: wait.Backoff{
			Duration: 2 * time.Second,
			Factor:   1.5,
			Jitter:   0.2,
			Steps:    math.MaxInt32,
			Cap:      15 * time.Second,
		},
		NotFoundGrace: DefaultNotFoundGrace,
		Port:          22,
	}
}

// Result is the outcome of WaitReady. LastError is nil iff Ready.
type Result struct {
	Ready     bool
	Address   string
	LastError error
	Attempts  int
	// Handle is the last observed view of the instance.
	Handle instance.Handle
}

type Poller struct {
	client Describer
	probe  ProbeFunc
}

type Option func(*Poller)

// WithProbe replaces ProbeTCP.
func WithProbe(p ProbeFunc) Option {
	return func(pl *Poller) { pl.probe = p }
}

func New(client Describer, opts ...Option) *Poller {
	p := &Poller{client: client, probe: ProbeTCP}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitReady polls until the instance is reachable, the timeout elapses, the
// context is cancelled, or a failure that cannot improve is observed. The
// first attempt is made immediately.
func (p *Poller) WaitReady(ctx context.Context, handle instance.Handle, timeout time.Duration, policy Policy) Result {
	policy = withDefaults(policy)
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	log := clog.FromContext(ctx).With("instance", handle.ID)
	log.Info("waiting for instance to become reachable", "timeout", timeout, "port", policy.Port)

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := Result{Handle: handle}
	backoff := policy.Backoff
	var last error

	for {
		res.Attempts++
		current, err := p.client.Describe(waitCtx, handle.ID)

		// Cancellation is checked before looking at err: a call cut short by
		// the context is not evidence about the instance.
		if stop, ok := p.stopped(ctx, waitCtx, last, &res); ok {
			return stop
		}

		switch {
		case err == nil:
			res.Handle = current
			switch {
			case !current.State.Live():
				res.LastError = fmt.Errorf("%w: %s", ErrInstanceGone, current.State)
				log.Warn("instance left the running lifecycle while waiting", "state", current.State)
				return res
			case current.State != instance.StateRunning:
				last = fmt.Errorf("%w: %s", errNotRunning, current.State)
			case current.PublicAddress == "":
				last = errNoAddress
			default:
				perr := p.probe(waitCtx, current.PublicAddress, policy.Port)
				if perr == nil {
					res.Ready = true
					res.Address = current.PublicAddress
					res.LastError = nil
					log.Info("instance is reachable", "address", current.PublicAddress, "attempts", res.Attempts, "elapsed", time.Since(start).Round(time.Millisecond))
					return res
				}
				last = fmt.Errorf("%w: %w", errUnreachable, perr)
			}

		case errors.Is(err, cloud.ErrNotFound) && time.Since(start) < policy.NotFoundGrace:
			last = err

		case errors.Is(err, cloud.ErrPermanent):
			res.LastError = err
			log.Error("permanent error while waiting for instance", "error", err)
			return res

		default:
			last = err
		}

		log.Debug("instance not ready", "attempt", res.Attempts, "reason", last)

		delay := backoff.Step()
		timer := time.NewTimer(delay)
		select {
		case <-waitCtx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if stop, ok := p.stopped(ctx, waitCtx, last, &res); ok {
			return stop
		}
	}
}

// stopped reports whether the wait must end because of the parent context
// or the deadline, filling in res accordingly.
func (p *Poller) stopped(parent, deadline context.Context, last error, res *Result) (Result, bool) {
	switch {
	case parent.Err() != nil:
		res.LastError = errors.Join(fmt.Errorf("%w: %w", ErrInterrupted, parent.Err()), last)
		return *res, true
	case deadline.Err() != nil:
		res.LastError = errors.Join(ErrTimeout, last)
		return *res, true
	}
	return Result{}, false
}

func withDefaults(p Policy) Policy {
	d := DefaultPolicy()
	if p.Backoff.Duration <= 0 {
		p.Backoff = d.Backoff
	}
	if p.Backoff.Steps <= 0 {
		p.Backoff.Steps = math.MaxInt32
	}
	if p.NotFoundGrace < 0 {
		p.NotFoundGrace = 0
	}
	if p.Port == 0 {
		p.Port = d.Port
	}
	return p
}
