package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/chainguard-dev/ec2-ephemeral/internal/cloud"
	"github.com/chainguard-dev/ec2-ephemeral/internal/config"
	"github.com/chainguard-dev/ec2-ephemeral/internal/ledger"
	"github.com/chainguard-dev/ec2-ephemeral/internal/lifecycle"
	"github.com/chainguard-dev/ec2-ephemeral/internal/log"
	"github.com/chainguard-dev/ec2-ephemeral/internal/o11y"
	"github.com/chainguard-dev/ec2-ephemeral/internal/ready"
	"github.com/chainguard-dev/ec2-ephemeral/internal/session"
)

type runOptions struct {
	readyTimeout     time.Duration
	setup            []string
	noWaitTerminated bool
	metricsFile      string
	ledgerPath       string
	name             string
	ttl              time.Duration
}

func addRunFlags(cmd *cobra.Command, o *runOptions) {
	f := cmd.Flags()
	f.DurationVar(&o.readyTimeout, "ready-timeout", 0, "how long to wait for SSH to come up (default READY_TIMEOUT or 5m)")
	f.StringArrayVar(&o.setup, "setup", nil, "command to run on the instance before the session; repeatable")
	f.BoolVar(&o.noWaitTerminated, "no-wait-terminated", false, "return once termination is accepted instead of waiting for it to finish")
	f.StringVar(&o.metricsFile, "metrics-file", "", "write Prometheus metrics for this run to a node_exporter textfile")
	f.StringVar(&o.ledgerPath, "ledger", "", "ledger database path (default EC2_EPHEMERAL_LEDGER or the XDG state dir)")
	f.StringVar(&o.name, "name", "", "Name tag for the instance (default ec2-ephemeral-<session>)")
	f.DurationVar(&o.ttl, "ttl", lifecycle.DefaultTTL, "advisory lifetime recorded in the expiry tag")
}

func (a *App) runCommand() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] [-- command [args...]]",
		Short: "Launch an instance, open a session on it, and terminate it",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args, o)
		},
	}
	addRunFlags(cmd, o)
	return cmd
}

func (a *App) run(cmd *cobra.Command, args []string, o *runOptions) error {
	ctx := cmd.Context()

	values, err := config.Load(a.envFile)
	if err != nil {
		return failure(lifecycle.PhaseConfig, lifecycle.ExitConfig, err)
	}
	res, err := config.Resolve(values)
	if err != nil {
		return failure(lifecycle.PhaseConfig, lifecycle.ExitConfig, err)
	}
	log.Debug(ctx, "configuration resolved", "config", res.String())

	client, err := a.NewClient(ctx, res.Spec.Region, res.Credentials)
	if err != nil {
		return failure(lifecycle.PhaseLaunch, lifecycle.ExitLaunch, err)
	}

	var metrics *o11y.Metrics
	if o.metricsFile != "" {
		if metrics, err = o11y.NewMetrics(); err != nil {
			log.Warn(ctx, "metrics disabled", log.Err(err))
		}
	}

	sessOpts := []session.Option{
		session.WithStdio(a.Stdin, a.Stdout, a.Stderr),
		session.WithSetup(o.setup...),
	}
	if res.Passphrase != "" {
		sessOpts = append(sessOpts, session.WithPassphrase([]byte(res.Passphrase)))
	}

	opts := []lifecycle.Option{
		lifecycle.WithReadyTimeout(readyTimeout(cmd, o, res)),
		lifecycle.WithWaitTerminated(!o.noWaitTerminated, wait.Backoff{}),
		lifecycle.WithTTL(o.ttl),
		lifecycle.WithMetrics(metrics),
	}
	if o.name != "" {
		opts = append(opts, lifecycle.WithName(o.name))
	}
	if len(args) > 0 {
		opts = append(opts, lifecycle.WithCommand(shellquote.Join(args...)))
	}
	if l := a.openLedger(ctx, o.ledgerPath, res.LedgerPath); l != nil {
		opts = append(opts, lifecycle.WithLedger(l))
	}

	orch := lifecycle.New(client, ready.New(client), a.NewSession(sessOpts...), res.Spec, opts...)
	rep := orch.Run(ctx)
	code := lifecycle.ExitCode(rep)

	if metrics != nil {
		if err := metrics.WriteTextfile(o.metricsFile); err != nil {
			log.Warn(ctx, "failed to write metrics", "path", o.metricsFile, log.Err(err))
		}
		_ = metrics.Shutdown(context.WithoutCancel(ctx))
	}

	var errs []error
	if rep.Err != nil {
		errs = append(errs, fmt.Errorf("%s failed (%s): %w", rep.Phase, errorKind(rep.Err), rep.Err))
	}
	if rep.TeardownErr != nil {
		errs = append(errs, fmt.Errorf("%s failed (%s): %w", lifecycle.PhaseTeardown, errorKind(rep.TeardownErr), rep.TeardownErr))
	}
	if code == 0 && len(errs) == 0 {
		return nil
	}
	return &ExitError{Code: code, Err: errors.Join(errs...)}
}

// readyTimeout prefers the flag, then READY_TIMEOUT.
func readyTimeout(cmd *cobra.Command, o *runOptions, res config.Resolved) time.Duration {
	if cmd.Flags().Changed("ready-timeout") && o.readyTimeout > 0 {
		return o.readyTimeout
	}
	if res.ReadyTimeout > 0 {
		return res.ReadyTimeout
	}
	return ready.DefaultTimeout
}

// openLedger returns nil when the ledger cannot be used; it is bookkeeping
// for reap and never blocks a run.
func (a *App) openLedger(ctx context.Context, paths ...string) *ledger.Ledger {
	path := ""
	for _, p := range paths {
		if p != "" {
			path = p
			break
		}
	}
	if path == "" {
		var err error
		if path, err = ledger.DefaultPath(); err != nil {
			log.Warn(ctx, "ledger disabled", log.Err(err))
			return nil
		}
	}
	l, err := ledger.Open(path)
	if err != nil {
		log.Warn(ctx, "ledger disabled", "path", path, log.Err(err))
		return nil
	}
	return l
}

func failure(phase lifecycle.Phase, code int, err error) error {
	return &ExitError{Code: code, Err: fmt.Errorf("%s failed (%s): %w", phase, errorKind(err), err)}
}

// errorKind names the class of err for the one-line failure summary.
func errorKind(err error) string {
	var (
		cfgErr      *config.Error
		cloudErr    *cloud.Error
		sessErr     *session.Error
		teardownErr *lifecycle.TeardownError
	)
	switch {
	case errors.As(err, &teardownErr):
		return "ManualActionRequired"
	case errors.Is(err, context.Canceled), errors.Is(err, ready.ErrInterrupted):
		return "Interrupted"
	case errors.As(err, &cfgErr):
		return cfgErr.Kind.String()
	case errors.As(err, &sessErr):
		return sessErr.Kind.String()
	case errors.Is(err, ready.ErrTimeout):
		return "Timeout"
	case errors.Is(err, ready.ErrInstanceGone):
		return "InstanceGone"
	case errors.As(err, &cloudErr):
		return cloudErr.Class.String()
	}
	return "Error"
}
