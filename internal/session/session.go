// Package session runs the interactive shell, or a single remote command, on
// a ready instance and reports how it ended.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	cssh "golang.org/x/crypto/ssh"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/chainguard-dev/ec2-ephemeral/internal/ssh"
)

const DefaultConnectAttempts = 5

// Target is where and as whom to log in.
type Target struct {
	Address string
	Port    uint16
	User    string
	KeyPath string
}

// Outcome is the result of Run. ExitCode is the remote exit status when the
// remote program ran to completion; Err is set only when it did not.
type Outcome struct {
	ExitCode int
	Err      error
}

type Runner struct {
	stdin          io.Reader
	stdout         io.Writer
	stderr         io.Writer
	passphrase     []byte
	setup          []string
	hostKeys       []cssh.PublicKey
	attempts       int
	connectBackoff wait.Backoff
}

type Option func(*Runner)

func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdin, r.stdout, r.stderr = stdin, stdout, stderr
	}
}

// WithPassphrase decrypts an encrypted private key.
func WithPassphrase(p []byte) Option {
	return func(r *Runner) { r.passphrase = p }
}

// WithSetup runs cmds, in order and in one bash, before the main session.
// The first failing command aborts the run.
func WithSetup(cmds ...string) Option {
	return func(r *Runner) { r.setup = append(r.setup, cmds...) }
}

// WithHostKeys pins the accepted host keys instead of trusting on first use.
func WithHostKeys(keys ...cssh.PublicKey) Option {
	return func(r *Runner) { r.hostKeys = keys }
}

// WithConnectRetry overrides how often, and how far apart, connecting is
// attempted.
func WithConnectRetry(attempts int, backoff wait.Backoff) Option {
	return func(r *Runner) {
		r.attempts = attempts
		r.connectBackoff = backoff
	}
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		attempts: DefaultConnectAttempts,
		connectBackoff: wait.Backoff{
			Duration: 2 * time.Second,
			Factor:   2,
			Jitter:   0.1,
			Steps:    math.MaxInt32,
			Cap:      10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.attempts < 1 {
		r.attempts = 1
	}
	if r.connectBackoff.Steps <= 0 {
		r.connectBackoff.Steps = math.MaxInt32
	}
	return r
}

// Run connects to t and runs command, or an interactive shell when command
// is empty. Cancelling ctx tears the connection down and Run returns
// promptly; nothing started by Run outlives it.
func (r *Runner) Run(ctx context.Context, t Target, command string) Outcome {
	log := clog.FromContext(ctx).With("address", t.Address, "port", t.Port, "user", t.User)
	ctx = clog.WithLogger(ctx, log)

	signer, err := ssh.LoadKey(t.KeyPath, r.passphrase)
	if err != nil {
		return Outcome{ExitCode: -1, Err: &Error{Kind: AuthRejected, Err: err}}
	}

	client, err := r.connect(ctx, t, signer)
	if err != nil {
		return Outcome{ExitCode: -1, Err: err}
	}
	defer client.Close()

	// Closing the client unblocks whatever the session is waiting on.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if len(r.setup) > 0 {
		if out := r.runSetup(ctx, client); out.Err != nil {
			return out
		}
	}

	sess, err := client.NewSession()
	if err != nil {
		return r.outcome(ctx, err)
	}
	defer sess.Close()
	sess.Stdin = r.stdin
	sess.Stdout = r.stdout
	sess.Stderr = r.stderr

	if command == "" {
		log.Info("starting interactive shell")
		err = r.interactive(ctx, sess)
	} else {
		log.Info("running remote command", "command", command)
		err = sess.Run(command)
	}

	out := r.outcome(ctx, err)
	log.Info("session ended", "exit_code", out.ExitCode, "error", out.Err)
	return out
}

func (r *Runner) connect(ctx context.Context, t Target, signer cssh.Signer) (*cssh.Client, error) {
	log := clog.FromContext(ctx)
	backoff := r.connectBackoff

	for attempt := 1; ; attempt++ {
		client, err := ssh.Connect(ctx, t.Address, t.Port, t.User, signer, r.hostKeys...)
		if err == nil {
			log.Info("connected", "attempt", attempt)
			return client, nil
		}

		if ctx.Err() != nil {
			return nil, &Error{Kind: ConnectionLost, Err: fmt.Errorf("connect interrupted: %w", ctx.Err())}
		}
		serr := classifyConnect(err)
		if attempt >= r.attempts {
			log.Error("giving up connecting", "attempts", attempt, "error", err)
			return nil, serr
		}

		delay := backoff.Step()
		log.Warn("connect failed, retrying", "attempt", attempt, "kind", serr.Kind, "backoff", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: ConnectionLost, Err: fmt.Errorf("connect interrupted: %w", ctx.Err())}
		case <-time.After(delay):
		}
	}
}

func (r *Runner) runSetup(ctx context.Context, client *cssh.Client) Outcome {
	log := clog.FromContext(ctx)
	log.Info("running setup commands", "count", len(r.setup))

	cmds := append([]string{"set -e"}, r.setup...)
	err := ssh.ExecIn(client, r.stdout, r.stderr, ssh.ShellBash, cmds...)
	if err == nil {
		return Outcome{}
	}

	var exitErr *cssh.ExitError
	if errors.As(err, &exitErr) {
		log.Error("setup failed", "exit_code", exitErr.ExitStatus())
		return Outcome{ExitCode: exitErr.ExitStatus(), Err: &Error{Kind: SetupFailed, Err: err}}
	}
	return r.outcome(ctx, err)
}

// outcome maps the error from a finished remote program.
func (r *Runner) outcome(ctx context.Context, err error) Outcome {
	if err == nil {
		return Outcome{}
	}

	var exitErr *cssh.ExitError
	if errors.As(err, &exitErr) {
		return Outcome{ExitCode: exitCode(exitErr)}
	}

	if ctx.Err() != nil {
		return Outcome{ExitCode: -1, Err: &Error{Kind: ConnectionLost, Err: fmt.Errorf("session interrupted: %w", ctx.Err())}}
	}

	kind := ConnectionLost
	if isTimeout(err) {
		kind = Timeout
	}
	return Outcome{ExitCode: -1, Err: &Error{Kind: kind, Err: err}}
}

var signalNumbers = map[string]int{
	"HUP":  1,
	"INT":  2,
	"QUIT": 3,
	"ABRT": 6,
	"KILL": 9,
	"SEGV": 11,
	"PIPE": 13,
	"ALRM": 14,
	"TERM": 15,
}

// exitCode follows the shell convention of 128+n for a program killed by
// signal n.
func exitCode(e *cssh.ExitError) int {
	if sig := e.Signal(); sig != "" {
		if n, ok := signalNumbers[sig]; ok {
			return 128 + n
		}
		return 255
	}
	return e.ExitStatus()
}
