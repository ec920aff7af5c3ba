package rewardmodule

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
}

var Module = fx.Module("rewardmodule",
	fx.Provide(func(p Params) *Registry {
		return NewRegistry(p.Log,
			NewCosmeticModule(p.Redis),
			NoopModule{},
		)
	}),
)
