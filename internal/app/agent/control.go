package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"order-tracking/internal/apiclient"
	"order-tracking/internal/common/httpx"
	"order-tracking/internal/common/logger"
	"order-tracking/internal/domain"
	"order-tracking/internal/order"
	"order-tracking/internal/sampler"
	"order-tracking/internal/tracking"
)

// FetchFunc loads the current order from the order API.
type FetchFunc func(ctx context.Context, orderID string) (domain.Order, error)

// FixRequest is a position pushed by the device's location provider.
type FixRequest struct {
	Lat       float64    `json:"lat" validate:"latitude"`
	Lng       float64    `json:"lng" validate:"longitude"`
	Accuracy  float64    `json:"accuracy" validate:"gte=0"`
	Speed     *float64   `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Heading   *float64   `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type SnapshotView struct {
	OrderID    string                 `json:"order_id"`
	Status     domain.Status          `json:"status"`
	State      string                 `json:"state"`
	Sample     *domain.PositionSample `json:"sample,omitempty"`
	Fact       *domain.ProximityFact  `json:"fact,omitempty"`
	Remote     *domain.PositionSample `json:"remote,omitempty"`
	RemoteFact *domain.ProximityFact  `json:"remote_fact,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func view(s tracking.Snapshot) SnapshotView {
	v := SnapshotView{
		OrderID:    s.OrderID,
		Status:     s.Status,
		State:      s.State.String(),
		Sample:     s.Sample,
		Fact:       s.Fact,
		Remote:     s.Remote,
		RemoteFact: s.RemoteFact,
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

// Control is the agent's local HTTP surface: the device UI drives tracking
// through it and, with a feed source, pushes fixes into it.
type Control struct {
	m        *tracking.Manager
	feed     *sampler.FeedSource
	fetch    FetchFunc
	validate *validator.Validate
	log      *logger.Logger
}

func NewControl(m *tracking.Manager, feed *sampler.FeedSource, fetch FetchFunc, lg *logger.Logger) *Control {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Control{m: m, feed: feed, fetch: fetch, validate: validator.New(), log: lg}
}

func (c *Control) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	if c.feed != nil {
		r.Post("/fix", c.pushFix)
	}
	r.Get("/orders", c.list)
	r.Route("/orders/{order_id}", func(r chi.Router) {
		r.Get("/", c.snapshot)
		r.Post("/track", c.track)
		r.Post("/retry", c.retry)
		r.Post("/transitions", c.transition)
		r.Post("/cancel", c.cancel)
		r.Post("/verify-pickup", c.verifyPickup)
		r.Delete("/", c.stop)
	})
	return r
}

func (c *Control) pushFix(w http.ResponseWriter, r *http.Request) {
	var req FixRequest
	if !c.decode(w, r, &req) {
		return
	}
	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	c.feed.Push(sampler.Fix{Lat: req.Lat, Lng: req.Lng, Accuracy: req.Accuracy, Speed: req.Speed, Heading: req.Heading, Timestamp: ts})
	w.WriteHeader(http.StatusAccepted)
}

func (c *Control) list(w http.ResponseWriter, _ *http.Request) {
	ids := c.m.Tracked()
	out := make([]SnapshotView, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.m.Snapshot(id); ok {
			out = append(out, view(s))
		}
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (c *Control) snapshot(w http.ResponseWriter, r *http.Request) {
	s, ok := c.m.Snapshot(chi.URLParam(r, "order_id"))
	if !ok {
		c.writeError(w, tracking.ErrNoSession)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view(s))
}

// track starts sampling when the order's status needs it and only watches
// the room otherwise.
func (c *Control) track(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "order_id")
	o, err := c.fetch(r.Context(), id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	if order.RequiresTracking(o.Status) {
		_, err = c.m.StartFor(r.Context(), o)
	} else {
		_, err = c.m.Watch(r.Context(), o)
	}
	if err != nil {
		c.writeError(w, err)
		return
	}
	s, _ := c.m.Snapshot(id)
	httpx.WriteJSON(w, http.StatusOK, view(s))
}

func (c *Control) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "order_id")
	if err := c.m.Retry(r.Context(), id); err != nil {
		c.writeError(w, err)
		return
	}
	s, _ := c.m.Snapshot(id)
	httpx.WriteJSON(w, http.StatusOK, view(s))
}

func (c *Control) transition(w http.ResponseWriter, r *http.Request) {
	var req domain.TransitionRequest
	if !c.decode(w, r, &req) {
		return
	}
	o, err := c.m.ApplyLocal(r.Context(), chi.URLParam(r, "order_id"), req.Status, req.Note)
	c.writeOrder(w, o, err)
}

func (c *Control) cancel(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteProblem(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	o, err := c.m.Cancel(r.Context(), chi.URLParam(r, "order_id"), req.Reason)
	c.writeOrder(w, o, err)
}

func (c *Control) verifyPickup(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyPickupRequest
	if !c.decode(w, r, &req) {
		return
	}
	o, err := c.m.VerifyPickup(r.Context(), chi.URLParam(r, "order_id"), req.Code)
	c.writeOrder(w, o, err)
}

func (c *Control) stop(w http.ResponseWriter, r *http.Request) {
	if err := c.m.StopFor(r.Context(), chi.URLParam(r, "order_id")); err != nil {
		c.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Control) writeOrder(w http.ResponseWriter, o domain.Order, err error) {
	if err != nil {
		c.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (c *Control) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	if err := c.validate.Struct(v); err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}

func (c *Control) writeError(w http.ResponseWriter, err error) {
	var ae *apiclient.APIError
	var le *sampler.LocationError
	switch {
	case errors.As(err, &le):
		httpx.WriteProblem(w, http.StatusServiceUnavailable, "location_"+le.Kind.String(), err.Error())
	case errors.As(err, &ae):
		code := ae.Code
		if code == "" {
			code = "upstream_error"
		}
		httpx.WriteProblem(w, ae.Status, code, ae.Detail)
	case errors.Is(err, tracking.ErrNoSession):
		httpx.WriteProblem(w, http.StatusNotFound, "not_tracked", err.Error())
	case errors.Is(err, order.ErrInvalidTransition):
		httpx.WriteProblem(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, order.ErrCodeMismatch):
		httpx.WriteProblem(w, http.StatusUnprocessableEntity, "code_mismatch", err.Error())
	case errors.Is(err, order.ErrCodeConsumed):
		httpx.WriteProblem(w, http.StatusConflict, "code_consumed", err.Error())
	default:
		c.log.Error("control_request_failed", err, nil)
		httpx.WriteProblem(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
