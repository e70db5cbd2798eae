package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tsumshop/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(NewClient),
	fx.Provide(NewLocker),
)

// NewClient returns nil when no address is configured; consumers treat a nil
// client as "feature disabled".
func NewClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*goredis.Client, error) {
	if !cfg.Redis.Enabled() {
		log.Info("redis disabled, idempotency replay and relay locking are off")
		return nil, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if lc != nil {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}

	return client, nil
}
