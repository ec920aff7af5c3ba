package rewardevent

import (
	"github.com/smallbiznis/rewardsync/internal/rewardevent/repository"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rewardevent.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
