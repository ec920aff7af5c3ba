package providers

import (
	"github.com/smallbiznis/rewardsync/internal/providers/patreon"
	"go.uber.org/fx"
)

// Module registers every membership provider client used for drift audits.
var Module = fx.Module("providers",
	patreon.Module,
)
