package userlock

import (
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rewardsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("userlock",
	fx.Provide(Provide),
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

func Provide(p Params) Locker {
	if p.Redis == nil {
		return NewMemoryLocker()
	}
	return NewRedisLocker(p.Redis, p.Config.Ingest.LockTTL, p.Log)
}
