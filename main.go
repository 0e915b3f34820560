// Package main implements a service that watches public profiles for new
// posts and announces each one to a webhook.
package main

import (
	"context"
	"fmt"
	"insta-notifier/server"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
	)

	root := &cobra.Command{
		Use:           "insta-notifier",
		Short:         "insta-notifier posts a webhook message for every new post of the watched profiles.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), configPath, dryRun)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log notifications instead of posting them to the webhook")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Poll on the configured schedule until interrupted (default command).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), configPath, dryRun)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single polling cycle and exit non-zero if any target failed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), configPath, dryRun)
		},
	})
	return root
}

func runDaemon(ctx context.Context, configPath string, dryRun bool) error {
	a, err := setup(ctx, configPath, dryRun)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.OpsEnabled() {
		srv := server.New(&server.Config{
			Poller:  a.monitor,
			Metrics: a.metricsHandler,
			Logger:  a.logger,
			Addr:    a.cfg.OpsAddr,
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				a.logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.logger.Warn("Failed to notify systemd", "error", err)
	} else if ok {
		a.logger.Info("Notified systemd of readiness")
	}

	return a.monitor.Run(ctx)
}

func runOnce(ctx context.Context, configPath string, dryRun bool) error {
	a, err := setup(ctx, configPath, dryRun)
	if err != nil {
		return err
	}
	defer a.close()

	sum, err := a.monitor.RunOnce(ctx)
	a.logger.Info("Single cycle finished",
		"checked", sum.Checked,
		"notified", sum.Notified,
		"baselined", sum.Baselined,
		"empty", sum.Empty,
		"failed", sum.Failed)
	return err
}
