package kitchen

import (
	"context"
	"fmt"
	"time"

	"order-tracking/internal/app/realtime"
	"order-tracking/internal/common/config"
	"order-tracking/internal/common/db"
	"order-tracking/internal/common/logger"
	"order-tracking/internal/common/mq"
	kitchensvc "order-tracking/internal/microservices/kitchen"
	"order-tracking/internal/microservices/kitchen/service"
	"order-tracking/internal/repository"
)

type Config struct {
	WorkerName string
	Prefetch   int
	CookTime   time.Duration
}

// Run consumes kitchen tickets until ctx is done. Status changes go to the
// database and into the order rooms.
func Run(ctx context.Context, app config.App, cfg Config, lg *logger.Logger) error {
	pool, err := db.Connect(ctx, app.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	rmq, err := mq.New(app.Rabbit)
	if err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	defer rmq.Close()
	if err := rmq.DeclareAll(); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	if app.Realtime.ClientID == "" {
		app.Realtime.ClientID = cfg.WorkerName
	}
	ch, _, err := realtime.Open(ctx, app, "kitchen", nil, lg)
	if err != nil {
		return err
	}
	defer ch.Close()

	return kitchensvc.Run(ctx, repository.NewOrdersPG(pool), rmq, ch, service.Config{
		WorkerName: cfg.WorkerName,
		Queue:      mq.KitchenQueue,
		Prefetch:   cfg.Prefetch,
		CookTime:   cfg.CookTime,
	}, lg)
}
