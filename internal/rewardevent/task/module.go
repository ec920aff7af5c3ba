package task

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/smallbiznis/rewardsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func redisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

// Client provides the Enqueuer used by the ingest endpoint.
var Client = fx.Module("asynq:client",
	fx.Provide(registerClient, NewEnqueuer),
)

func registerClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *asynq.Client {
	client := asynq.NewClient(redisOpt(cfg))
	if err := client.Ping(); err != nil {
		log.Warn("[Asynq] ping failed, enqueue will retry per request", zap.Error(err))
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

// Server runs the worker that consumes reward events.
var Server = fx.Module("asynq:server",
	fx.Provide(asynq.NewServeMux, NewHandler),
	fx.Invoke(registerServer),
)

func registerServer(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, mux *asynq.ServeMux, handler *Handler) {
	handler.Register(mux)

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	server := asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency:    concurrency,
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		Queues: map[string]int{
			Queue: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("asynq task failed", zap.String("task_type", task.Type()), zap.Error(err))
		}),
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := server.Start(mux); err != nil {
				return err
			}
			log.Info("[Asynq] worker started", zap.String("addr", cfg.Redis.Addr), zap.Int("concurrency", concurrency))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Shutdown()
			return nil
		},
	})
}
