package rewardmodule

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var ErrMissingParameter = errors.New("missing_module_parameter")

// ApplyContext describes one assignment whose effect a module applies or revokes.
type ApplyContext struct {
	UserID       string
	RewardID     snowflake.ID
	AssignmentID snowflake.ID
	ProviderID   string
	Parameters   map[string]any
	ExpiresAt    *time.Time
}

type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Effect applies the effect of a reward outside the assignment ledger.
type Effect interface {
	ID() string
	Apply(ctx context.Context, actx ApplyContext) (Outcome, error)
	Revoke(ctx context.Context, actx ApplyContext) error
}

func stringParam(params map[string]any, key string) (string, bool) {
	if params == nil {
		return "", false
	}
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
