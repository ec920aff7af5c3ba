package announcement

import (
	"context"

	"github.com/smallbiznis/rewardsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("announcement",
	fx.Provide(Provide),
)

func Provide(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	if cfg.RabbitMQ.URL == "" {
		log.Info("rabbitmq url not set, announcements disabled")
		return Nop{}
	}
	publisher := NewRabbitPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher
}
