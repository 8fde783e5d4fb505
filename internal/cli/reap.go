package cli

import (
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chainguard-dev/ec2-ephemeral/internal/cloud"
	"github.com/chainguard-dev/ec2-ephemeral/internal/config"
	"github.com/chainguard-dev/ec2-ephemeral/internal/lifecycle"
	"github.com/chainguard-dev/ec2-ephemeral/internal/log"
)

const defaultReapConcurrency = 8

func (a *App) reapCommand() *cobra.Command {
	var (
		ledgerPath  string
		concurrency int
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Terminate every instance recorded in the ledger",
		Long: `reap terminates instances that earlier runs launched but could not confirm
were terminated, for example after a crash or a failed teardown. Entries are
removed from the ledger once their instance is gone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.reap(cmd, ledgerPath, concurrency, dryRun)
		},
	}
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "ledger database path (default EC2_EPHEMERAL_LEDGER or the XDG state dir)")
	cmd.Flags().IntVar(&concurrency, "concurrency", defaultReapConcurrency, "instances to terminate in parallel")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be terminated")
	return cmd
}

func (a *App) reap(cmd *cobra.Command, ledgerPath string, concurrency int, dryRun bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	values, err := config.Load(a.envFile)
	if err != nil {
		return failure(lifecycle.PhaseConfig, lifecycle.ExitConfig, err)
	}

	l := a.openLedger(ctx, ledgerPath, values[config.KeyLedger])
	if l == nil {
		return &ExitError{Code: lifecycle.ExitTeardown, Err: fmt.Errorf("no usable ledger")}
	}
	entries, err := l.List(ctx)
	if err != nil {
		return &ExitError{Code: lifecycle.ExitTeardown, Err: err}
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "ledger is empty")
		return nil
	}

	if dryRun {
		for _, e := range entries {
			fmt.Fprintf(out, "%s\t%s\t%s\n", e.InstanceID, e.Region, e.LaunchedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	}

	creds, err := config.ResolveCredentials(values)
	if err != nil {
		return failure(lifecycle.PhaseConfig, lifecycle.ExitConfig, err)
	}

	// One client per region, built up front so the workers only read.
	clients := make(map[string]cloud.Client)
	for _, e := range entries {
		if _, ok := clients[e.Region]; ok {
			continue
		}
		c, err := a.NewClient(ctx, e.Region, creds)
		if err != nil {
			return failure(lifecycle.PhaseTeardown, lifecycle.ExitTeardown, err)
		}
		clients[e.Region] = c
	}

	if concurrency < 1 {
		concurrency = 1
	}
	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	g.SetLimit(concurrency)
	for _, e := range entries {
		g.Go(func() error {
			ctx := log.WithInstance(ctx, e.InstanceID, e.Region)
			if err := clients[e.Region].Terminate(ctx, e.InstanceID); err != nil {
				failed.Add(1)
				log.Error(ctx, "failed to terminate instance", log.Err(err))
				return nil
			}
			log.Info(ctx, "terminated instance", log.KeySession, e.Session)
			if err := l.Remove(ctx, e.InstanceID); err != nil {
				log.Warn(ctx, "failed to remove ledger entry", log.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(failed.Load())
	fmt.Fprintf(out, "terminated %d of %d instance(s)\n", len(entries)-n, len(entries))
	if n > 0 {
		return &ExitError{Code: lifecycle.ExitTeardown, Err: fmt.Errorf("%d instance(s) could not be terminated; they remain in the ledger", n)}
	}
	return nil
}
