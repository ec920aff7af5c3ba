package rewardprovider

import (
	"github.com/smallbiznis/rewardsync/internal/rewardprovider/repository"
	"github.com/smallbiznis/rewardsync/internal/rewardprovider/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rewardprovider.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
