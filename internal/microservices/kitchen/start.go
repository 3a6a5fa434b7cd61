package kitchen

import (
	"context"

	"order-tracking/internal/common/logger"
	"order-tracking/internal/microservices/kitchen/service"
	"order-tracking/internal/repository"
)

func Run(ctx context.Context, orders repository.Orders, consumer service.Consumer, pub service.Publisher, cfg service.Config, lg *logger.Logger) error {
	svc := service.NewKitchenService(orders, consumer, pub, cfg, lg)
	if err := svc.Run(ctx); err != nil {
		lg.Error("kitchen_stopped", err, map[string]any{"worker": cfg.WorkerName})
		return err
	}
	return nil
}
