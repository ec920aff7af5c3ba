package drift

import (
	"github.com/smallbiznis/rewardsync/internal/drift/repository"
	"github.com/smallbiznis/rewardsync/internal/drift/service"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("drift.service",
	fx.Provide(
		repository.Provide,
		func(events rewardeventdomain.Service) service.EventProcessor { return events },
		service.New,
	),
)
