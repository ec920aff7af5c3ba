package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardsync/internal/config"
	driftdomain "github.com/smallbiznis/rewardsync/internal/drift/domain"
	"github.com/smallbiznis/rewardsync/internal/migration"
	reconciliationdomain "github.com/smallbiznis/rewardsync/internal/reconciliation/domain"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/task"
	"github.com/smallbiznis/rewardsync/internal/scheduler"
	"github.com/smallbiznis/rewardsync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

// ErrDriftDetected is returned by "drift detect --fail-on-drift" when the provider disagrees with local state.
var ErrDriftDetected = errors.New("drift detected")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rewardsync",
		Short:         "Provider-backed reward assignment service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newDriftCmd(),
		newReconcileCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin and ingest HTTP API with the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			opts := []fx.Option{
				coreModules(),
				fxLogger,
				migration.Module,
				server.Module,
				scheduler.Module,
			}
			// Without Redis there is no queue and ingest falls back to inline processing.
			if !cfg.Redis.Disabled {
				opts = append(opts, task.Client)
			}
			fx.New(opts...).Run()
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued reward events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.Redis.Disabled {
				return fmt.Errorf("worker requires redis, REDIS_DISABLED is set")
			}
			fx.New(
				coreModules(),
				fxLogger,
				migration.Module,
				task.Server,
			).Run()
			return nil
		},
	}
}

func newDriftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare provider membership against active assignments",
	}

	var failOnDrift bool
	detect := &cobra.Command{
		Use:   "detect <provider>",
		Short: "Report drift for a provider without changing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc driftdomain.Service
			return runOneShot(cmd.Context(), func(ctx context.Context) error {
				result, err := svc.DetectDrift(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if failOnDrift && result.HasDrift {
					return ErrDriftDetected
				}
				return nil
			}, &svc)
		},
	}
	detect.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "exit non-zero when drift is found")

	var dryRun bool
	sync := &cobra.Command{
		Use:   "sync <provider>",
		Short: "Detect drift and apply the corrections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc driftdomain.Service
			return runOneShot(cmd.Context(), func(ctx context.Context) error {
				detection, err := svc.DetectDrift(ctx, args[0])
				if err != nil {
					return err
				}
				result, err := svc.SyncDrift(ctx, detection, dryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			}, &svc)
		},
	}
	sync.Flags().BoolVar(&dryRun, "dry-run", false, "report the planned changes only")

	cmd.AddCommand(detect, sync)
	return cmd
}

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Bring assignments in line with product mappings",
	}

	var allDryRun bool
	all := &cobra.Command{
		Use:   "all",
		Short: "Reconcile every active product mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc reconciliationdomain.Service
			return runOneShot(cmd.Context(), func(ctx context.Context) error {
				result, err := svc.ReconcileAllMappings(ctx, allDryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			}, &svc)
		},
	}
	all.Flags().BoolVar(&allDryRun, "dry-run", false, "report the planned changes only")

	var mappingDryRun bool
	mapping := &cobra.Command{
		Use:   "mapping <id>",
		Short: "Reconcile a single product mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mappingID, err := parseMappingID(args[0])
			if err != nil {
				return err
			}
			var svc reconciliationdomain.Service
			return runOneShot(cmd.Context(), func(ctx context.Context) error {
				result, err := svc.ReconcileMapping(ctx, mappingID, mappingDryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			}, &svc)
		},
	}
	mapping.Flags().BoolVar(&mappingDryRun, "dry-run", false, "report the planned changes only")

	cmd.AddCommand(all, mapping)
	return cmd
}

func parseMappingID(raw string) (snowflake.ID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid mapping id %q", raw)
	}
	return snowflake.ID(id), nil
}
