package rewardmodule

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const CosmeticModuleID = "cosmetic"

// CosmeticModule grants the item named by the "item" parameter by adding it to
// the user's cosmetic set, which game servers read directly.
type CosmeticModule struct {
	client *redis.Client
}

func NewCosmeticModule(client *redis.Client) *CosmeticModule {
	return &CosmeticModule{client: client}
}

func CosmeticsKey(userID string) string {
	return fmt.Sprintf("rewards:cosmetics:%s", userID)
}

func (m *CosmeticModule) ID() string { return CosmeticModuleID }

func (m *CosmeticModule) Apply(ctx context.Context, actx ApplyContext) (Outcome, error) {
	item, ok := stringParam(actx.Parameters, "item")
	if !ok {
		return Outcome{}, fmt.Errorf("%w: item", ErrMissingParameter)
	}
	if m.client == nil {
		return Outcome{Message: "cosmetic store unavailable"}, nil
	}
	if err := m.client.SAdd(ctx, CosmeticsKey(actx.UserID), item).Err(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Success: true, Message: "granted " + item}, nil
}

func (m *CosmeticModule) Revoke(ctx context.Context, actx ApplyContext) error {
	item, ok := stringParam(actx.Parameters, "item")
	if !ok {
		return fmt.Errorf("%w: item", ErrMissingParameter)
	}
	if m.client == nil {
		return nil
	}
	return m.client.SRem(ctx, CosmeticsKey(actx.UserID), item).Err()
}
