package tracker

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"order-tracking/internal/common/httpx"
	"order-tracking/internal/common/logger"
	"order-tracking/internal/microservices/tracker/handler"
	"order-tracking/internal/microservices/tracker/repository"
	"order-tracking/internal/microservices/tracker/service"
	"order-tracking/internal/proximity"
	ordersrepo "order-tracking/internal/repository"
)

type Deps struct {
	Orders    ordersrepo.Orders
	Pool      *pgxpool.Pool // timeline storage; in-memory when nil
	Publisher service.Publisher
	Tickets   service.TicketQueue
	Relay     http.Handler
	Secret    []byte
	Rings     proximity.Rings
	Router    proximity.Router
	MinMove   float64
}

// Start запускает HTTP-сервер трекинга на addr и блокирует до отмены ctx.
func Start(ctx context.Context, addr string, d Deps, lg *logger.Logger) error {
	var events repository.TrackerRepoInterface = repository.NewMemoryTrackerRepo()
	if d.Pool != nil {
		events = repository.NewTrackerRepo(d.Pool)
	}
	svc := service.NewTrackerService(d.Orders, events, d.Publisher, d.Tickets, service.Options{
		Rings:             d.Rings,
		Router:            d.Router,
		MinMovementMeters: d.MinMove,
	}, lg)

	srv := httpx.New(addr, handler.Router(handler.New(svc, lg), d.Secret, d.Relay))
	lg.Info("http_listening", map[string]any{"addr": addr})
	return srv.Run(ctx)
}
