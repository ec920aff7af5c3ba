package reconciliation

import (
	productmappingdomain "github.com/smallbiznis/rewardsync/internal/productmapping/domain"
	"github.com/smallbiznis/rewardsync/internal/reconciliation/domain"
	"github.com/smallbiznis/rewardsync/internal/reconciliation/service"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(
		func(events rewardeventdomain.Service) service.Executor { return events },
		service.New,
		func(s *service.Service) domain.Service { return s },
		func(s *service.Service) productmappingdomain.Reconciler { return s },
	),
)
