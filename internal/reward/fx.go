package reward

import (
	"github.com/smallbiznis/rewardsync/internal/reward/repository"
	"github.com/smallbiznis/rewardsync/internal/reward/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reward.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
