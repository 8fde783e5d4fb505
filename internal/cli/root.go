// Package cli is the ec2-ephemeral command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainguard-dev/ec2-ephemeral/internal/cloud"
	"github.com/chainguard-dev/ec2-ephemeral/internal/config"
	"github.com/chainguard-dev/ec2-ephemeral/internal/lifecycle"
	"github.com/chainguard-dev/ec2-ephemeral/internal/log"
	"github.com/chainguard-dev/ec2-ephemeral/internal/o11y"
	"github.com/chainguard-dev/ec2-ephemeral/internal/session"
)

const (
	// exitUsage is returned for bad flags or arguments.
	exitUsage = 2

	flushTimeout = 5 * time.Second
)

// ExitError carries the process exit code out of a command. Err, when set,
// has not been printed yet.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// App holds what the commands share. The zero value is not usable; start
// from NewApp.
type App struct {
	Version string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// NewClient builds the cloud client for one region.
	NewClient func(ctx context.Context, region string, creds config.Credentials) (cloud.Client, error)
	// NewSession builds the remote session runner.
	NewSession func(opts ...session.Option) lifecycle.Session

	envFile  string
	logLevel string
	logFile  string

	shutdown []o11y.ShutdownFunc
	closers  []io.Closer
}

func NewApp(version string) *App {
	return &App{
		Version: version,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		NewClient: func(ctx context.Context, region string, creds config.Credentials) (cloud.Client, error) {
			return cloud.New(ctx, region, creds.AccessKeyID, creds.SecretAccessKey)
		},
		NewSession: func(opts ...session.Option) lifecycle.Session {
			return session.NewRunner(opts...)
		},
	}
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, version string, args []string) int {
	return NewApp(version).Execute(ctx, args)
}

func (a *App) Execute(ctx context.Context, args []string) int {
	root := a.Command()
	root.SetArgs(args)
	root.SetIn(a.Stdin)
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)

	err := root.ExecuteContext(ctx)
	a.close(ctx)

	var exit *ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		if exit.Err != nil {
			fmt.Fprintf(a.Stderr, "ec2-ephemeral: %v\n", exit.Err)
		}
		return exit.Code
	default:
		// Flag parsing and unknown commands.
		fmt.Fprintf(a.Stderr, "ec2-ephemeral: %v\n", err)
		return exitUsage
	}
}

// Command builds the command tree. The root command behaves like run.
func (a *App) Command() *cobra.Command {
	ro := &runOptions{}
	root := &cobra.Command{
		Use:   "ec2-ephemeral [flags] [-- command [args...]]",
		Short: "Launch a throwaway EC2 instance, SSH into it, and terminate it",
		Long: `ec2-ephemeral launches one EC2 instance from a launch template, waits
until it accepts SSH connections, opens an interactive shell (or runs the
command given after --) and terminates the instance when the session ends,
including when interrupted.

Settings are read from a dotenv file (--env-file, ./.env or
$XDG_CONFIG_HOME/ec2-ephemeral/env) and the environment, which wins:

  AWS_ACCESS_KEY, AWS_SECRET_KEY, AWS_REGION, LAUNCH_TEMPLATE_ID,
  SSH_KEY_PATH, SSH_USERNAME (required)
  LAUNCH_TEMPLATE_VERSION, SSH_PORT, SSH_KEY_PASSPHRASE, READY_TIMEOUT,
  EC2_EPHEMERAL_LEDGER (optional)`,
		Args:              cobra.ArbitraryArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args, ro)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&a.envFile, "env-file", "", "dotenv file to read settings from")
	pf.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.StringVar(&a.logFile, "log-file", "", "also write JSON logs to this file")

	addRunFlags(root, ro)
	root.AddCommand(a.runCommand(), a.reapCommand(), a.versionCommand())
	return root
}

// setup installs logging and telemetry for whichever command runs.
func (a *App) setup(cmd *cobra.Command, _ []string) error {
	level, err := log.ParseLevel(a.logLevel)
	if err != nil {
		return &ExitError{Code: exitUsage, Err: err}
	}

	ctx := cmd.Context()
	opts := log.Options{Level: level, Terminal: a.Stderr}

	if a.logFile != "" {
		f, err := os.OpenFile(a.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return &ExitError{Code: exitUsage, Err: fmt.Errorf("opening log file: %w", err)}
		}
		a.closers = append(a.closers, f)
		opts.File = f
	}

	// Telemetry is best effort: a broken collector must not stop a run.
	var warnings []error
	otelLogs, shutdown, err := o11y.SetupLogs(ctx)
	if err != nil {
		warnings = append(warnings, fmt.Errorf("setting up log export: %w", err))
	}
	a.shutdown = append(a.shutdown, shutdown)
	opts.Extra = append(opts.Extra, otelLogs)

	shutdown, err = o11y.SetupTracing(ctx)
	if err != nil {
		warnings = append(warnings, fmt.Errorf("setting up tracing: %w", err))
	}
	a.shutdown = append(a.shutdown, shutdown)

	ctx = log.Install(ctx, log.NewHandler(opts))
	for _, w := range warnings {
		log.Warn(ctx, "telemetry disabled", log.Err(w))
	}
	cmd.SetContext(ctx)
	return nil
}

func (a *App) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	for _, shutdown := range a.shutdown {
		if err := shutdown(ctx); err != nil {
			slog.WarnContext(ctx, "failed to flush telemetry", "error", err)
		}
	}
	for _, c := range a.closers {
		_ = c.Close()
	}
	a.shutdown, a.closers = nil, nil
}

func (a *App) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "ec2-ephemeral %s\n", a.Version)
			return err
		},
	}
}
