package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"order-tracking/internal/common/auth"
)

// Router mounts the order API behind bearer auth. relay, when set, serves
// the realtime websocket at /ws; it authenticates in-band.
func Router(h *Handler, secret []byte, relay http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	if relay != nil {
		r.Handle("/ws", relay)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(secret))

		r.Post("/orders", h.TrackerHandler.CreateOrder)
		r.Get("/orders/{order_id}", h.TrackerHandler.GetOrder)
		r.Post("/orders/{order_id}/transitions", h.TrackerHandler.Transition)
		r.Post("/orders/{order_id}/cancel", h.TrackerHandler.Cancel)
		r.Post("/orders/{order_id}/verify-pickup", h.TrackerHandler.VerifyPickup)
		r.Post("/orders/{order_id}/positions", h.TrackerHandler.RecordPosition)

		r.Get("/tracking/orders/{order_id}/timeline", h.TrackerHandler.GetTimeline)
	})
	return r
}
