package rewardmodule

import "context"

const NoopModuleID = "noop"

// NoopModule backs rewards that exist only in the assignment ledger.
type NoopModule struct{}

func (NoopModule) ID() string { return NoopModuleID }

func (NoopModule) Apply(context.Context, ApplyContext) (Outcome, error) {
	return Outcome{Success: true}, nil
}

func (NoopModule) Revoke(context.Context, ApplyContext) error { return nil }
