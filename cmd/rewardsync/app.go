package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardsync/internal/announcement"
	"github.com/smallbiznis/rewardsync/internal/assignment"
	"github.com/smallbiznis/rewardsync/internal/audit"
	"github.com/smallbiznis/rewardsync/internal/clock"
	"github.com/smallbiznis/rewardsync/internal/config"
	"github.com/smallbiznis/rewardsync/internal/drift"
	"github.com/smallbiznis/rewardsync/internal/observability"
	"github.com/smallbiznis/rewardsync/internal/productmapping"
	"github.com/smallbiznis/rewardsync/internal/providers"
	"github.com/smallbiznis/rewardsync/internal/reconciliation"
	"github.com/smallbiznis/rewardsync/internal/reward"
	"github.com/smallbiznis/rewardsync/internal/rewardevent"
	"github.com/smallbiznis/rewardsync/internal/rewardmodule"
	"github.com/smallbiznis/rewardsync/internal/rewardprovider"
	"github.com/smallbiznis/rewardsync/internal/userlock"
	"github.com/smallbiznis/rewardsync/pkg/db"
	"github.com/smallbiznis/rewardsync/pkg/redis"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const oneShotTimeout = 30 * time.Second

// coreModules wires storage, observability and every domain service. Binaries add
// their transport on top.
func coreModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(provideSnowflakeNode),
		db.Module,
		redis.Module,
		clock.Module,

		audit.Module,
		userlock.Module,
		announcement.Module,
		rewardmodule.Module,
		assignment.Module,
		reward.Module,
		rewardprovider.Module,
		productmapping.Module,
		rewardevent.Module,
		reconciliation.Module,
		providers.Module,
		drift.Module,
	)
}

func provideSnowflakeNode(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

var fxLogger = fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: log.Named("fx")}
})

var quietFxLogger = fx.WithLogger(func() fxevent.Logger {
	return fxevent.NopLogger
})

// runOneShot starts the core graph, hands the populated targets to fn and stops
// the graph again.
func runOneShot(ctx context.Context, fn func(ctx context.Context) error, targets ...any) error {
	app := fx.New(
		coreModules(),
		quietFxLogger,
		fx.Populate(targets...),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), oneShotTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
