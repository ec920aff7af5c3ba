package rewardmodule

import (
	"context"
	"sort"
	"strings"

	"github.com/smallbiznis/rewardsync/internal/observability/metrics"
	"go.uber.org/zap"
)

// Registry resolves reward effects by module id. Apply and Revoke never fail the caller:
// the assignment ledger is authoritative and module effects are best-effort.
type Registry struct {
	modules map[string]Effect
	log     *zap.Logger
}

func NewRegistry(log *zap.Logger, modules ...Effect) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	registry := &Registry{
		modules: map[string]Effect{},
		log:     log.Named("rewardmodule.registry"),
	}
	for _, module := range modules {
		registry.Register(module)
	}
	return registry
}

func (r *Registry) Register(module Effect) {
	if module == nil {
		return
	}
	id := normalizeID(module.ID())
	if id == "" {
		return
	}
	r.modules[id] = module
}

func (r *Registry) Lookup(id string) (Effect, bool) {
	if r == nil {
		return nil, false
	}
	module, ok := r.modules[normalizeID(id)]
	return module, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Apply(ctx context.Context, moduleID string, actx ApplyContext) Outcome {
	module, ok := r.Lookup(moduleID)
	if !ok {
		r.logger().Warn("reward module not registered, skipping apply",
			zap.String("module_id", moduleID),
			zap.String("reward_id", actx.RewardID.String()),
			zap.String("user_id", actx.UserID),
		)
		return Outcome{Message: "module not registered"}
	}

	outcome, err := module.Apply(ctx, actx)
	if err != nil {
		metrics.Rewards().IncModuleFailure(module.ID(), "apply")
		r.logger().Error("reward module apply failed",
			zap.String("module_id", module.ID()),
			zap.String("assignment_id", actx.AssignmentID.String()),
			zap.String("user_id", actx.UserID),
			zap.Error(err),
		)
		return Outcome{Message: err.Error()}
	}
	if !outcome.Success {
		metrics.Rewards().IncModuleFailure(module.ID(), "apply")
		r.logger().Warn("reward module apply unsuccessful",
			zap.String("module_id", module.ID()),
			zap.String("assignment_id", actx.AssignmentID.String()),
			zap.String("message", outcome.Message),
		)
	}
	return outcome
}

func (r *Registry) Revoke(ctx context.Context, moduleID string, actx ApplyContext) {
	module, ok := r.Lookup(moduleID)
	if !ok {
		r.logger().Warn("reward module not registered, skipping revoke",
			zap.String("module_id", moduleID),
			zap.String("assignment_id", actx.AssignmentID.String()),
		)
		return
	}
	if err := module.Revoke(ctx, actx); err != nil {
		metrics.Rewards().IncModuleFailure(module.ID(), "revoke")
		r.logger().Error("reward module revoke failed",
			zap.String("module_id", module.ID()),
			zap.String("assignment_id", actx.AssignmentID.String()),
			zap.String("user_id", actx.UserID),
			zap.Error(err),
		)
	}
}

func (r *Registry) logger() *zap.Logger {
	if r == nil || r.log == nil {
		return zap.NewNop()
	}
	return r.log
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
