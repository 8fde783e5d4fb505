// Package lifecycle drives one ephemeral instance from launch to
// termination:
//
//	Idle -> Launching -> AwaitingReady -> Connected -> TearingDown -> Done
//
// with Failed reachable from any step before teardown. Every instance this
// package learns about has its terminate destructor pushed onto a Stack
// immediately, and the stack is drained on a context that ignores
// cancellation, so an interrupt cannot skip teardown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/chainguard-dev/ec2-ephemeral/internal/cloud"
	"github.com/chainguard-dev/ec2-ephemeral/internal/instance"
	"github.com/chainguard-dev/ec2-ephemeral/internal/ledger"
	"github.com/chainguard-dev/ec2-ephemeral/internal/log"
	"github.com/chainguard-dev/ec2-ephemeral/internal/o11y"
	"github.com/chainguard-dev/ec2-ephemeral/internal/ready"
	"github.com/chainguard-dev/ec2-ephemeral/internal/session"
)

const (
	DefaultLaunchAttempts    = 3
	DefaultTerminateAttempts = 5
	DefaultTeardownTimeout   = 3 * time.Minute
	DefaultTTL               = 2 * time.Hour

	lookupTimeout = 30 * time.Second
)

// Waiter blocks until an instance is reachable. *ready.Poller implements it.
type Waiter interface {
	WaitReady(ctx context.Context, handle instance.Handle, timeout time.Duration, policy ready.Policy) ready.Result
}

// Session runs the remote part. *session.Runner implements it.
type Session interface {
	Run(ctx context.Context, t session.Target, command string) session.Outcome
}

// Ledger remembers launched instances across processes. *ledger.Ledger
// implements it.
type Ledger interface {
	Record(ctx context.Context, e ledger.Entry) error
	Remove(ctx context.Context, id string) error
}

// Report is the outcome of Run. ExitCode is the remote command's exit status
// and is meaningful only when Err is nil; use the package-level ExitCode for
// the process exit code.
type Report struct {
	State       State
	Phase       Phase
	InstanceID  string
	ExitCode    int
	Err         error
	TeardownErr error
}

type Orchestrator struct {
	client  cloud.Client
	waiter  Waiter
	session Session
	spec    instance.Spec

	command           string
	token             string
	name              string
	ttl               time.Duration
	tags              map[string]string
	launchAttempts    int
	launchBackoff     wait.Backoff
	terminateAttempts int
	terminateBackoff  wait.Backoff
	readyTimeout      time.Duration
	readyPolicy       ready.Policy
	teardownTimeout   time.Duration
	waitTerminated    bool
	terminatedBackoff wait.Backoff
	ledger            Ledger
	metrics           *o11y.Metrics

	mu     sync.Mutex
	state  State
	handle instance.Handle

	teardownMu sync.Mutex
	stack      Stack
}

type Option func(*Orchestrator)

// WithCommand runs command instead of an interactive shell.
func WithCommand(command string) Option {
	return func(o *Orchestrator) { o.command = command }
}

// WithToken fixes the session token. It defaults to a random UUID.
func WithToken(token string) Option {
	return func(o *Orchestrator) { o.token = token }
}

func WithName(name string) Option {
	return func(o *Orchestrator) { o.name = name }
}

// WithTTL sets the advisory expiry tag.
func WithTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.ttl = ttl }
}

func WithTags(tags map[string]string) Option {
	return func(o *Orchestrator) { o.tags = tags }
}

func WithLaunchRetry(attempts int, backoff wait.Backoff) Option {
	return func(o *Orchestrator) {
		o.launchAttempts = attempts
		o.launchBackoff = backoff
	}
}

func WithTerminateRetry(attempts int, backoff wait.Backoff) Option {
	return func(o *Orchestrator) {
		o.terminateAttempts = attempts
		o.terminateBackoff = backoff
	}
}

func WithReadyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.readyTimeout = d }
}

func WithReadyPolicy(p ready.Policy) Option {
	return func(o *Orchestrator) { o.readyPolicy = p }
}

func WithTeardownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.teardownTimeout = d }
}

// WithWaitTerminated controls whether teardown polls until the instance is
// reported terminated. backoff spaces the polls; a zero backoff keeps the
// default.
func WithWaitTerminated(enabled bool, backoff wait.Backoff) Option {
	return func(o *Orchestrator) {
		o.waitTerminated = enabled
		if backoff.Duration > 0 {
			o.terminatedBackoff = backoff
		}
	}
}

func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

func WithMetrics(m *o11y.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(client cloud.Client, waiter Waiter, sess Session, spec instance.Spec, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:            client,
		waiter:            waiter,
		session:           sess,
		spec:              spec,
		token:             uuid.NewString(),
		ttl:               DefaultTTL,
		launchAttempts:    DefaultLaunchAttempts,
		launchBackoff:     wait.Backoff{Duration: 2 * time.Second, Factor: 2, Jitter: 0.1, Steps: math.MaxInt32, Cap: 20 * time.Second},
		terminateAttempts: DefaultTerminateAttempts,
		terminateBackoff:  wait.Backoff{Duration: time.Second, Factor: 2, Steps: math.MaxInt32, Cap: 8 * time.Second},
		readyTimeout:      ready.DefaultTimeout,
		readyPolicy:       ready.DefaultPolicy(),
		teardownTimeout:   DefaultTeardownTimeout,
		waitTerminated:    true,
		terminatedBackoff: wait.Backoff{Duration: 2 * time.Second, Factor: 1.5, Steps: math.MaxInt32, Cap: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.name == "" {
		o.name = "ec2-ephemeral-" + shortToken(o.token)
	}
	if o.launchAttempts < 1 {
		o.launchAttempts = 1
	}
	if o.terminateAttempts < 1 {
		o.terminateAttempts = 1
	}
	o.readyPolicy.Port = spec.SSHPort
	return o
}

func shortToken(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}

// Token is the session token used as ClientToken and session tag.
func (o *Orchestrator) Token() string { return o.token }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Handle returns the orchestrator's current view of its instance.
func (o *Orchestrator) Handle() instance.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle
}

// Run executes one full lifecycle and always attempts teardown before it
// returns, including when ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) (rep Report) {
	ctx = log.With(ctx, log.KeySession, o.token)
	ctx, span := o11y.Tracer().Start(ctx, "ec2-ephemeral.run", trace.WithAttributes(
		o11y.AttrSession.String(o.token),
		o11y.AttrRegion.String(o.spec.Region),
		o11y.AttrTemplateID.String(o.spec.TemplateID),
	))
	defer span.End()

	defer func() {
		rep.TeardownErr = o.Teardown(ctx)
		rep.State = o.State()
		rep.InstanceID = o.Handle().ID
		if rep.TeardownErr != nil {
			span.RecordError(rep.TeardownErr)
			span.SetStatus(codes.Error, "teardown failed")
		}
		code := ExitCode(rep)
		o.metrics.RecordExit(ctx, code)
		log.Info(ctx, "run finished", "phase", rep.Phase, "state", rep.State, "exit_code", code)
	}()

	if err := o.enter(ctx, StateLaunching); err != nil {
		return Report{Phase: PhaseLaunch, Err: err}
	}

	handle, err := o.launch(ctx)
	if err != nil {
		o.fail(ctx)
		return Report{Phase: PhaseLaunch, Err: err}
	}
	ctx = log.WithInstance(ctx, handle.ID, o.spec.Region)
	span.SetAttributes(o11y.AttrInstanceID.String(handle.ID))

	if err := o.enter(ctx, StateAwaitingReady); err != nil {
		o.fail(ctx)
		return Report{Phase: PhaseReady, Err: err}
	}

	res := o.awaitReady(ctx, handle)
	if !res.Ready {
		o.fail(ctx)
		return Report{Phase: PhaseReady, Err: fmt.Errorf("%w: %w", ErrNotReady, res.LastError)}
	}

	if err := o.enter(ctx, StateConnected); err != nil {
		o.fail(ctx)
		return Report{Phase: PhaseSession, Err: err}
	}

	out := o.connect(ctx, res.Address)
	return Report{Phase: PhaseSession, ExitCode: out.ExitCode, Err: out.Err}
}

func (o *Orchestrator) launch(ctx context.Context) (instance.Handle, error) {
	ctx, span := o11y.Tracer().Start(ctx, "launch")
	defer span.End()
	defer o.timePhase(ctx, PhaseLaunch)()

	opts := cloud.LaunchOptions{Token: o.token, Name: o.name, TTL: o.ttl, Tags: o.tags}
	backoff := o.launchBackoff

	var last error
	for attempt := 1; attempt <= o.launchAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, backoff.Step()); err != nil {
				last = errors.Join(last, err)
				break
			}
			// A failed call may still have started an instance.
			h, ok, err := o.client.Lookup(ctx, o.token)
			switch {
			case err != nil:
				log.Warn(ctx, "failed to reconcile launch before retrying", log.Err(err))
			case ok:
				log.Info(ctx, "found instance from an earlier launch attempt", log.KeyInstanceID, h.ID)
				return o.adopt(ctx, h), nil
			}
		}

		log.Info(ctx, "launching instance", "template", o.spec.TemplateID, "version", o.spec.TemplateVersion, "attempt", attempt)
		h, err := o.client.Launch(ctx, o.spec, opts)
		o.metrics.RecordLaunch(ctx, err)
		if err == nil {
			log.Info(ctx, "instance launched", log.KeyInstanceID, h.ID, "state", h.State)
			return o.adopt(ctx, h), nil
		}
		last = err

		if !cloud.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt < o.launchAttempts {
			log.Warn(ctx, "launch failed, retrying", "attempt", attempt, log.Err(err))
		}
	}

	// Last chance to find an instance we would otherwise leak. This runs
	// even when ctx is cancelled.
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()
	if h, ok, err := o.client.Lookup(lctx, o.token); err == nil && ok {
		log.Warn(ctx, "adopting instance left behind by a failed launch", log.KeyInstanceID, h.ID)
		o.adopt(ctx, h)
	} else if err != nil {
		log.Warn(ctx, "failed to check for an orphaned instance", log.Err(err))
	}

	span.RecordError(last)
	span.SetStatus(codes.Error, "launch failed")
	log.Error(ctx, "failed to launch instance", log.Err(last))
	return instance.Handle{}, fmt.Errorf("%w: %w", ErrLaunch, last)
}

// adopt takes ownership of h: its destructor goes on the stack before
// anything else can fail.
func (o *Orchestrator) adopt(ctx context.Context, h instance.Handle) instance.Handle {
	o.mu.Lock()
	if o.handle.Exists() {
		o.mu.Unlock()
		return h
	}
	o.handle = h
	o.mu.Unlock()

	id := h.ID
	o.stack.Push(func(ctx context.Context) error {
		return o.terminate(ctx, id)
	})

	if o.ledger != nil {
		err := o.ledger.Record(ctx, ledger.Entry{
			InstanceID: id,
			Region:     o.spec.Region,
			Session:    o.token,
			TemplateID: o.spec.TemplateID,
			LaunchedAt: time.Now().UTC(),
		})
		if err != nil {
			log.Warn(ctx, "failed to record instance in ledger", log.KeyInstanceID, id, log.Err(err))
		}
	}
	return h
}

func (o *Orchestrator) awaitReady(ctx context.Context, h instance.Handle) ready.Result {
	ctx, span := o11y.Tracer().Start(ctx, "await-ready")
	defer span.End()
	defer o.timePhase(ctx, PhaseReady)()

	start := time.Now()
	res := o.waiter.WaitReady(ctx, h, o.readyTimeout, o.readyPolicy)
	o.metrics.RecordReadiness(ctx, time.Since(start), res.LastError)

	o.mu.Lock()
	if res.Handle.Exists() {
		o.handle = res.Handle
	}
	o.mu.Unlock()

	span.SetAttributes(attribute.Int("ec2_ephemeral.ready_attempts", res.Attempts))
	if !res.Ready {
		span.RecordError(res.LastError)
		span.SetStatus(codes.Error, "not ready")
		log.Error(ctx, "instance did not become ready", "attempts", res.Attempts, log.Err(res.LastError))
	}
	return res
}

func (o *Orchestrator) connect(ctx context.Context, address string) session.Outcome {
	ctx, span := o11y.Tracer().Start(ctx, "session")
	defer span.End()
	defer o.timePhase(ctx, PhaseSession)()

	target := session.Target{
		Address: address,
		Port:    o.spec.SSHPort,
		User:    o.spec.SSHUser,
		KeyPath: o.spec.KeyPath,
	}
	log.Info(ctx, "starting session", "address", address, "user", target.User, "interactive", o.command == "")

	out := o.session.Run(ctx, target, o.command)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "session failed")
		log.Error(ctx, "session ended with an error", log.Err(out.Err))
	} else {
		log.Info(ctx, "session ended", "exit_code", out.ExitCode)
	}
	return out
}

// Teardown terminates the instance if one was launched. It ignores ctx
// cancellation, bounded by the teardown timeout, and is idempotent: once
// the destructors have run, further calls return nil without touching the
// cloud.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	o.teardownMu.Lock()
	defer o.teardownMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.teardownTimeout)
	defer cancel()

	switch o.State() {
	case StateConnected, StateFailed:
		if err := o.enter(ctx, StateTearingDown); err != nil {
			return err
		}
	}

	if o.stack.Len() == 0 {
		o.finish(ctx)
		return nil
	}

	ctx, span := o11y.Tracer().Start(ctx, "teardown")
	defer span.End()
	defer o.timePhase(ctx, PhaseTeardown)()

	log.Info(ctx, "beginning teardown")
	err := o.stack.Destroy(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "teardown failed")
	} else {
		log.Info(ctx, "teardown complete")
	}
	o.finish(ctx)
	return err
}

func (o *Orchestrator) finish(ctx context.Context) {
	if o.State() == StateTearingDown {
		_ = o.enter(ctx, StateDone)
	}
}

// terminate retries every failure: giving up leaves a billed instance
// behind.
func (o *Orchestrator) terminate(ctx context.Context, id string) error {
	backoff := o.terminateBackoff
	o.setState(id, instance.StateTerminating)

	var err error
	attempt := 1
	for ; ; attempt++ {
		log.Info(ctx, "terminating instance", log.KeyInstanceID, id, "attempt", attempt)
		err = o.client.Terminate(ctx, id)
		o.metrics.RecordTerminate(ctx, err)
		if err == nil {
			break
		}
		if attempt >= o.terminateAttempts {
			return o.teardownFailed(ctx, id, attempt, err)
		}
		log.Warn(ctx, "failed to terminate instance, retrying", log.KeyInstanceID, id, "attempt", attempt, log.Err(err))
		if serr := sleep(ctx, backoff.Step()); serr != nil {
			return o.teardownFailed(ctx, id, attempt, errors.Join(err, serr))
		}
	}

	if o.waitTerminated {
		if err := o.awaitTerminated(ctx, id); err != nil {
			log.Warn(ctx, "terminate accepted but termination not confirmed", log.KeyInstanceID, id, log.Err(err))
			return nil
		}
	}
	o.setState(id, instance.StateTerminated)
	log.Info(ctx, "instance terminated", log.KeyInstanceID, id)

	if o.ledger != nil {
		if err := o.ledger.Remove(ctx, id); err != nil {
			log.Warn(ctx, "failed to remove instance from ledger", log.KeyInstanceID, id, log.Err(err))
		}
	}
	return nil
}

func (o *Orchestrator) teardownFailed(ctx context.Context, id string, attempts int, err error) error {
	terr := &TeardownError{InstanceID: id, Region: o.spec.Region, Attempts: attempts, Err: err}
	log.Error(ctx, "MANUAL ACTION REQUIRED: instance may still be running",
		log.KeyInstanceID, id,
		log.KeyRegion, o.spec.Region,
		"command", terr.ManualCommand(),
		log.Err(err),
	)
	return terr
}

func (o *Orchestrator) awaitTerminated(ctx context.Context, id string) error {
	backoff := o.terminatedBackoff
	for {
		h, err := o.client.Describe(ctx, id)
		switch {
		case errors.Is(err, cloud.ErrNotFound):
			return nil
		case err == nil && h.State == instance.StateTerminated:
			return nil
		case err == nil:
			log.Debug(ctx, "waiting for instance to terminate", log.KeyInstanceID, id, "state", h.State)
		default:
			log.Debug(ctx, "failed to describe terminating instance", log.KeyInstanceID, id, log.Err(err))
		}
		if err := sleep(ctx, backoff.Step()); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) setState(id string, s instance.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle.ID == id {
		o.handle.State = s
	}
}

// enter moves the state machine along one edge. An illegal edge is a bug in
// this package; it is logged and returned.
func (o *Orchestrator) enter(ctx context.Context, to State) error {
	o.mu.Lock()
	from := o.state
	if !CanTransition(from, to) {
		o.mu.Unlock()
		err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		log.Error(ctx, "refusing state transition", log.Err(err))
		return err
	}
	o.state = to
	o.mu.Unlock()

	log.Debug(ctx, "state transition", "from", from, "to", to)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context) {
	if o.State() != StateFailed {
		_ = o.enter(ctx, StateFailed)
	}
}

func (o *Orchestrator) timePhase(ctx context.Context, p Phase) func() {
	start := time.Now()
	return func() {
		o.metrics.RecordPhase(ctx, string(p), time.Since(start))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
