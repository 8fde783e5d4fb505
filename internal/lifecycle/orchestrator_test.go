package lifecycle

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/chainguard-dev/ec2-ephemeral/internal/cloud"
	"github.com/chainguard-dev/ec2-ephemeral/internal/instance"
	"github.com/chainguard-dev/ec2-ephemeral/internal/ledger"
	"github.com/chainguard-dev/ec2-ephemeral/internal/ready"
	"github.com/chainguard-dev/ec2-ephemeral/internal/session"
)

const (
	testID      = "i-0123456789abcdef0"
	testAddress = "203.0.113.10"
)

var testSpec = instance.Spec{
	TemplateID:      "lt-0abc1234def567890",
	TemplateVersion: "$Latest",
	Region:          "us-east-1",
	KeyPath:         "/home/me/.ssh/id_ed25519",
	SSHUser:         "ec2-user",
	SSHPort:         22,
}

func transient(msg string) error {
	return &cloud.Error{Op: "RunInstances", Class: cloud.Transient, Code: "RequestLimitExceeded", Err: errors.New(msg)}
}

func permanent(msg string) error {
	return &cloud.Error{Op: "RunInstances", Class: cloud.Permanent, Code: "InvalidLaunchTemplateId.NotFound", Err: errors.New(msg)}
}

// fakeCloud launches testID unless told otherwise, and reports it as
// terminated once Terminate has succeeded.
type fakeCloud struct {
	mu sync.Mutex

	launchErrs    []error
	terminateErrs []error
	// describe answers Describe for the n-th call (1-based) until the
	// instance is terminated.
	describe func(n int) (instance.Handle, error)
	lookup   func(n int) (instance.Handle, bool, error)

	launches   int
	describes  int
	lookups    int
	terminates []string
	terminated bool
	// terminateCtxErr is ctx.Err() as seen by the first Terminate call.
	terminateCtxErr error
}

func (f *fakeCloud) Launch(_ context.Context, spec instance.Spec, opts cloud.LaunchOptions) (instance.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if len(f.launchErrs) > 0 {
		err := f.launchErrs[0]
		f.launchErrs = f.launchErrs[1:]
		return instance.Handle{}, err
	}
	return instance.Handle{ID: testID, State: instance.StatePending}, nil
}

func (f *fakeCloud) Describe(_ context.Context, id string) (instance.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated {
		return instance.Handle{ID: id, State: instance.StateTerminated}, nil
	}
	f.describes++
	if f.describe == nil {
		return instance.Handle{ID: id, State: instance.StateRunning, PublicAddress: testAddress}, nil
	}
	return f.describe(f.describes)
}

func (f *fakeCloud) Terminate(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.terminates) == 0 {
		f.terminateCtxErr = ctx.Err()
	}
	f.terminates = append(f.terminates, id)
	if len(f.terminateErrs) > 0 {
		err := f.terminateErrs[0]
		f.terminateErrs = f.terminateErrs[1:]
		if err != nil {
			return err
		}
	}
	f.terminated = true
	return nil
}

func (f *fakeCloud) Lookup(_ context.Context, token string) (instance.Handle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookup == nil {
		return instance.Handle{}, false, nil
	}
	return f.lookup(f.lookups)
}

type fakeSession struct {
	mu      sync.Mutex
	fn      func(ctx context.Context) session.Outcome
	targets []session.Target
	cmds    []string
}

func (s *fakeSession) Run(ctx context.Context, t session.Target, command string) session.Outcome {
	s.mu.Lock()
	s.targets = append(s.targets, t)
	s.cmds = append(s.cmds, command)
	s.mu.Unlock()
	if s.fn == nil {
		return session.Outcome{}
	}
	return s.fn(ctx)
}

func fastBackoff() wait.Backoff {
	return wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: math.MaxInt32}
}

func fastOptions(extra ...Option) []Option {
	opts := []Option{
		WithToken("9f0c8a52-4d1e-4b3a-9a55-0e6f3f4b2c11"),
		WithLaunchRetry(DefaultLaunchAttempts, fastBackoff()),
		WithTerminateRetry(DefaultTerminateAttempts, fastBackoff()),
		WithReadyPolicy(ready.Policy{Backoff: fastBackoff()}),
		WithReadyTimeout(2 * time.Second),
		WithWaitTerminated(true, fastBackoff()),
		WithTeardownTimeout(5 * time.Second),
	}
	return append(opts, extra...)
}

func newOrchestrator(fc *fakeCloud, fs *fakeSession, opts ...Option) *Orchestrator {
	poller := ready.New(fc, ready.WithProbe(func(context.Context, string, uint16) error { return nil }))
	return New(fc, poller, fs, testSpec, fastOptions(opts...)...)
}

func TestRunScenarios(t *testing.T) {
	t.Run("reachable after three polls", func(t *testing.T) {
		fc := &fakeCloud{describe: func(n int) (instance.Handle, error) {
			if n < 3 {
				return instance.Handle{ID: testID, State: instance.StatePending}, nil
			}
			return instance.Handle{ID: testID, State: instance.StateRunning, PublicAddress: testAddress}, nil
		}}
		fs := &fakeSession{}

		rep := newOrchestrator(fc, fs).Run(t.Context())

		require.NoError(t, rep.Err)
		require.NoError(t, rep.TeardownErr)
		assert.Equal(t, 0, ExitCode(rep))
		assert.Equal(t, StateDone, rep.State)
		assert.Equal(t, PhaseSession, rep.Phase)
		assert.Equal(t, testID, rep.InstanceID)
		assert.Equal(t, 1, fc.launches)
		assert.Equal(t, 3, fc.describes)
		assert.Equal(t, []string{testID}, fc.terminates)
		require.Len(t, fs.targets, 1)
		assert.Equal(t, session.Target{Address: testAddress, Port: 22, User: "ec2-user", KeyPath: testSpec.KeyPath}, fs.targets[0])
		assert.Equal(t, []string{""}, fs.cmds)
	})

	t.Run("never ready", func(t *testing.T) {
		fc := &fakeCloud{describe: func(int) (instance.Handle, error) {
			return instance.Handle{ID: testID, State: instance.StatePending}, nil
		}}
		fs := &fakeSession{}

		rep := newOrchestrator(fc, fs, WithReadyTimeout(50*time.Millisecond)).Run(t.Context())

		require.ErrorIs(t, rep.Err, ErrNotReady)
		require.ErrorIs(t, rep.Err, ready.ErrTimeout)
		assert.Equal(t, PhaseReady, rep.Phase)
		assert.Equal(t, ExitNotReady, ExitCode(rep))
		assert.Equal(t, []string{testID}, fc.terminates)
		assert.Empty(t, fs.targets)
		assert.Equal(t, StateDone, rep.State)
	})

	t.Run("transient launch errors then success", func(t *testing.T) {
		fc := &fakeCloud{launchErrs: []error{transient("slow down"), transient("slow down")}}
		fs := &fakeSession{}

		rep := newOrchestrator(fc, fs).Run(t.Context())

		require.NoError(t, rep.Err)
		assert.Equal(t, 0, ExitCode(rep))
		assert.Equal(t, 3, fc.launches)
		assert.Equal(t, 2, fc.lookups, "reconcile before each retry")
		assert.Equal(t, []string{testID}, fc.terminates)
	})
}

func TestRunRemoteCommand(t *testing.T) {
	fc := &fakeCloud{}
	fs := &fakeSession{fn: func(context.Context) session.Outcome {
		return session.Outcome{ExitCode: 42}
	}}

	rep := newOrchestrator(fc, fs, WithCommand("uname -a")).Run(t.Context())

	require.NoError(t, rep.Err)
	assert.Equal(t, 42, ExitCode(rep))
	assert.Equal(t, []string{"uname -a"}, fs.cmds)
}

func TestLaunchFailures(t *testing.T) {
	t.Run("permanent", func(t *testing.T) {
		fc := &fakeCloud{launchErrs: []error{permanent("no such template")}}
		rep := newOrchestrator(fc, &fakeSession{}).Run(t.Context())

		require.ErrorIs(t, rep.Err, ErrLaunch)
		require.ErrorIs(t, rep.Err, cloud.ErrPermanent)
		assert.Equal(t, ExitLaunch, ExitCode(rep))
		assert.Equal(t, 1, fc.launches)
		assert.Equal(t, 1, fc.lookups, "orphan check only")
		assert.Empty(t, fc.terminates)
		assert.Empty(t, rep.InstanceID)
		assert.Equal(t, StateDone, rep.State)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		fc := &fakeCloud{launchErrs: []error{transient("a"), transient("b"), transient("c")}}
		rep := newOrchestrator(fc, &fakeSession{}).Run(t.Context())

		require.ErrorIs(t, rep.Err, cloud.ErrTransient)
		assert.Equal(t, ExitLaunch, ExitCode(rep))
		assert.Equal(t, DefaultLaunchAttempts, fc.launches)
		assert.Empty(t, fc.terminates)
	})

	t.Run("orphan adopted and terminated", func(t *testing.T) {
		fc := &fakeCloud{
			launchErrs: []error{transient("a"), transient("b"), transient("c")},
			lookup: func(n int) (instance.Handle, bool, error) {
				if n < 3 {
					return instance.Handle{}, false, nil
				}
				return instance.Handle{ID: "i-0orphan", State: instance.StatePending}, true, nil
			},
		}
		rep := newOrchestrator(fc, &fakeSession{}).Run(t.Context())

		require.ErrorIs(t, rep.Err, ErrLaunch)
		assert.Equal(t, ExitLaunch, ExitCode(rep))
		assert.Equal(t, "i-0orphan", rep.InstanceID)
		assert.Equal(t, []string{"i-0orphan"}, fc.terminates)
	})

	t.Run("reconciled before retry", func(t *testing.T) {
		fc := &fakeCloud{
			launchErrs: []error{transient("timeout reading response")},
			lookup: func(int) (instance.Handle, bool, error) {
				return instance.Handle{ID: testID, State: instance.StatePending}, true, nil
			},
		}
		rep := newOrchestrator(fc, &fakeSession{}).Run(t.Context())

		require.NoError(t, rep.Err)
		assert.Equal(t, 1, fc.launches)
		assert.Equal(t, []string{testID}, fc.terminates)
	})
}

func TestNoLeakedInstance(t *testing.T) {
	tests := []struct {
		name    string
		cloud   func() *fakeCloud
		session func(ctx context.Context) session.Outcome
		timeout time.Duration
		wantRun bool
		want    int
	}{
		{
			name:  "session succeeds",
			cloud: func() *fakeCloud { return &fakeCloud{} },
			want:  0,
		},
		{
			name:  "session auth rejected",
			cloud: func() *fakeCloud { return &fakeCloud{} },
			session: func(context.Context) session.Outcome {
				return session.Outcome{ExitCode: -1, Err: &session.Error{Kind: session.AuthRejected, Err: errors.New("unable to authenticate")}}
			},
			want: ExitSession,
		},
		{
			name: "instance terminated while waiting",
			cloud: func() *fakeCloud {
				return &fakeCloud{describe: func(int) (instance.Handle, error) {
					return instance.Handle{ID: testID, State: instance.StateTerminating}, nil
				}}
			},
			want: ExitNotReady,
		},
		{
			name: "permanent describe failure",
			cloud: func() *fakeCloud {
				return &fakeCloud{describe: func(int) (instance.Handle, error) {
					return instance.Handle{}, &cloud.Error{Op: "DescribeInstances", Class: cloud.Permanent, Code: "UnauthorizedOperation", Err: errors.New("denied")}
				}}
			},
			want: ExitNotReady,
		},
		{
			name: "no public address",
			cloud: func() *fakeCloud {
				return &fakeCloud{describe: func(int) (instance.Handle, error) {
					return instance.Handle{ID: testID, State: instance.StateRunning}, nil
				}}
			},
			timeout: 30 * time.Millisecond,
			want:    ExitNotReady,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := tt.cloud()
			opts := []Option{}
			if tt.timeout > 0 {
				opts = append(opts, WithReadyTimeout(tt.timeout))
			}
			rep := newOrchestrator(fc, &fakeSession{fn: tt.session}, opts...).Run(t.Context())

			assert.Equal(t, tt.want, ExitCode(rep))
			assert.Equal(t, fc.launches, len(fc.terminates), "every launched instance is terminated exactly once")
			assert.NoError(t, rep.TeardownErr)
			assert.Equal(t, StateDone, rep.State)
		})
	}
}

func TestTeardownIdempotent(t *testing.T) {
	fc := &fakeCloud{}
	o := newOrchestrator(fc, &fakeSession{})

	// Nothing launched yet.
	require.NoError(t, o.Teardown(t.Context()))
	assert.Empty(t, fc.terminates)
	assert.Equal(t, StateIdle, o.State())

	rep := o.Run(t.Context())
	require.NoError(t, rep.Err)
	require.NoError(t, o.Teardown(t.Context()))
	require.NoError(t, o.Teardown(t.Context()))

	assert.Equal(t, []string{testID}, fc.terminates)
	assert.Equal(t, instance.StateTerminated, o.Handle().State)
}

func TestTeardownFailure(t *testing.T) {
	failures := make([]error, DefaultTerminateAttempts)
	for i := range failures {
		failures[i] = &cloud.Error{Op: "TerminateInstances", Class: cloud.Transient, Err: errors.New("internal error")}
	}
	fc := &fakeCloud{terminateErrs: failures}

	rep := newOrchestrator(fc, &fakeSession{}).Run(t.Context())

	require.NoError(t, rep.Err)
	var terr *TeardownError
	require.ErrorAs(t, rep.TeardownErr, &terr)
	assert.Equal(t, testID, terr.InstanceID)
	assert.Equal(t, "us-east-1", terr.Region)
	assert.Equal(t, DefaultTerminateAttempts, terr.Attempts)
	assert.Equal(t, "aws ec2 terminate-instances --region us-east-1 --instance-ids "+testID, terr.ManualCommand())
	assert.Equal(t, ExitTeardown, ExitCode(rep), "teardown failure outranks the remote exit code")
	assert.Len(t, fc.terminates, DefaultTerminateAttempts)
}

func TestTeardownRetries(t *testing.T) {
	fc := &fakeCloud{terminateErrs: []error{errors.New("throttled"), permanent("odd")}}

	rep := newOrchestrator(fc, &fakeSession{}).Run(t.Context())

	require.NoError(t, rep.TeardownErr)
	assert.Len(t, fc.terminates, 3)
}

func TestInterrupted(t *testing.T) {
	t.Run("during session", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		fc := &fakeCloud{}
		fs := &fakeSession{fn: func(ctx context.Context) session.Outcome {
			cancel()
			return session.Outcome{ExitCode: -1, Err: &session.Error{Kind: session.ConnectionLost, Err: context.Canceled}}
		}}

		rep := newOrchestrator(fc, fs).Run(ctx)

		assert.Equal(t, ExitInterrupted, ExitCode(rep))
		assert.Equal(t, []string{testID}, fc.terminates)
		assert.NoError(t, fc.terminateCtxErr, "teardown must not inherit the cancelled context")
	})

	t.Run("while waiting for readiness", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		fc := &fakeCloud{}
		fc.describe = func(int) (instance.Handle, error) {
			cancel()
			return instance.Handle{ID: testID, State: instance.StatePending}, nil
		}

		rep := newOrchestrator(fc, &fakeSession{}).Run(ctx)

		require.ErrorIs(t, rep.Err, ready.ErrInterrupted)
		assert.Equal(t, ExitInterrupted, ExitCode(rep))
		assert.Equal(t, []string{testID}, fc.terminates)
	})

	t.Run("before launch", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		fc := &fakeCloud{launchErrs: []error{&cloud.Error{Op: "RunInstances", Class: cloud.Permanent, Err: context.Canceled}}}
		rep := newOrchestrator(fc, &fakeSession{}).Run(ctx)

		assert.Equal(t, ExitInterrupted, ExitCode(rep))
		assert.Empty(t, fc.terminates)
	})
}

func TestLedgerHooks(t *testing.T) {
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	t.Run("removed after confirmed termination", func(t *testing.T) {
		fc := &fakeCloud{}
		rep := newOrchestrator(fc, &fakeSession{}, WithLedger(l)).Run(t.Context())
		require.NoError(t, rep.TeardownErr)

		entries, err := l.List(t.Context())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("kept when termination fails", func(t *testing.T) {
		fc := &fakeCloud{terminateErrs: []error{errors.New("x")}}
		rep := newOrchestrator(fc, &fakeSession{}, WithLedger(l), WithTerminateRetry(1, fastBackoff())).Run(t.Context())
		require.Error(t, rep.TeardownErr)

		entries, err := l.List(t.Context())
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, testID, entries[0].InstanceID)
		assert.Equal(t, "us-east-1", entries[0].Region)
		assert.Equal(t, "9f0c8a52-4d1e-4b3a-9a55-0e6f3f4b2c11", entries[0].Session)
	})
}

func TestExitCode(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		rep  Report
		want int
	}{
		{name: "remote zero", rep: Report{Phase: PhaseSession}, want: 0},
		{name: "remote nonzero", rep: Report{Phase: PhaseSession, ExitCode: 3}, want: 3},
		{name: "config", rep: Report{Phase: PhaseConfig, Err: boom}, want: ExitConfig},
		{name: "launch", rep: Report{Phase: PhaseLaunch, Err: boom}, want: ExitLaunch},
		{name: "ready", rep: Report{Phase: PhaseReady, Err: boom}, want: ExitNotReady},
		{name: "session", rep: Report{Phase: PhaseSession, Err: boom}, want: ExitSession},
		{name: "interrupted", rep: Report{Phase: PhaseReady, Err: errors.Join(boom, context.Canceled)}, want: ExitInterrupted},
		{name: "teardown wins", rep: Report{Phase: PhaseSession, Err: context.Canceled, TeardownErr: boom}, want: ExitTeardown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.rep))
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateIdle, StateLaunching))
	assert.True(t, CanTransition(StateAwaitingReady, StateFailed))
	assert.True(t, CanTransition(StateFailed, StateTearingDown))
	assert.False(t, CanTransition(StateIdle, StateConnected))
	assert.False(t, CanTransition(StateDone, StateLaunching))
	assert.False(t, CanTransition(StateTearingDown, StateFailed))
	assert.Equal(t, "awaiting-ready", StateAwaitingReady.String())
}
