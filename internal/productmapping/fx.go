package productmapping

import (
	"github.com/smallbiznis/rewardsync/internal/productmapping/repository"
	"github.com/smallbiznis/rewardsync/internal/productmapping/service"
	"go.uber.org/fx"
)

var Module = fx.Module("productmapping.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
