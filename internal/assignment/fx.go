package assignment

import (
	"github.com/smallbiznis/rewardsync/internal/assignment/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("assignment.repository",
	fx.Provide(repository.Provide),
)
