package patreon

import (
	"errors"

	"github.com/smallbiznis/rewardsync/internal/config"
	"github.com/smallbiznis/rewardsync/internal/drift/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.patreon",
	fx.Provide(
		fx.Annotate(
			NewFromConfig,
			fx.ResultTags(`group:"provider_clients"`),
		),
	),
)

// NewFromConfig returns nil when no campaign credentials are configured, so
// drift detection reports the provider as unsupported.
func NewFromConfig(cfg config.Config, log *zap.Logger) (domain.ProviderClient, error) {
	client, err := NewClient(Config{
		BaseURL:           cfg.Patreon.BaseURL,
		CampaignID:        cfg.Patreon.CampaignID,
		AccessToken:       cfg.Patreon.AccessToken,
		RequestsPerSecond: cfg.Patreon.RequestsPerSecond,
		Timeout:           cfg.Patreon.Timeout,
	}, log)
	if errors.Is(err, ErrNotConfigured) {
		log.Info("patreon client disabled: campaign id or access token missing")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}
