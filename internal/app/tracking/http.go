package tracking

import (
	"context"
	"fmt"

	"order-tracking/internal/app/realtime"
	"order-tracking/internal/common/config"
	"order-tracking/internal/common/db"
	"order-tracking/internal/common/logger"
	"order-tracking/internal/common/mq"
	"order-tracking/internal/microservices/tracker"
	"order-tracking/internal/repository"
	"order-tracking/internal/routing"
	"order-tracking/internal/syncchan"
)

// Run serves the order API and the realtime relay until ctx is done.
func Run(ctx context.Context, cfg config.App, port int, lg *logger.Logger) error {
	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := repository.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	lg.Info("db_connected", map[string]any{"host": cfg.Database.Host, "database": cfg.Database.Database})

	rmq, err := mq.New(cfg.Rabbit)
	if err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	defer rmq.Close()
	if err := rmq.DeclareAll(); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	lg.Info("rabbitmq_connected", map[string]any{"host": cfg.Rabbit.Host, "vhost": cfg.Rabbit.VHost})

	secret := []byte(cfg.Realtime.JWTSecret)
	relay := syncchan.NewRelay(secret, lg)
	ch, _, err := realtime.Open(ctx, cfg, "tracking-service", relay, lg)
	if err != nil {
		return err
	}
	defer ch.Close()

	rs, err := cfg.Proximity.RingSet()
	if err != nil {
		return err
	}

	return tracker.Start(ctx, fmt.Sprintf(":%d", port), tracker.Deps{
		Orders:    repository.NewOrdersPG(pool),
		Pool:      pool,
		Publisher: ch,
		Tickets:   rmq,
		Relay:     relay,
		Secret:    secret,
		Rings:     rs,
		Router:    routing.New(cfg.Routing.BaseURL, cfg.Routing.Timeout, cfg.Routing.AvgSpeedKmh),
		MinMove:   cfg.Proximity.MinMovementMeters,
	}, lg)
}
