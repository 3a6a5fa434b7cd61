package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"order-tracking/internal/common/auth"
	"order-tracking/internal/common/httpx"
	"order-tracking/internal/common/logger"
	"order-tracking/internal/domain"
	"order-tracking/internal/microservices/tracker/service"
	"order-tracking/internal/order"
	"order-tracking/internal/repository"
)

type TrackerHandler struct {
	service  service.TrackerServiceInterface
	validate *validator.Validate
	log      *logger.Logger
}

func NewTrackerHandler(svc service.TrackerServiceInterface, lg *logger.Logger) *TrackerHandler {
	if lg == nil {
		lg = logger.Nop()
	}
	return &TrackerHandler{service: svc, validate: validator.New(), log: lg}
}

func (h *TrackerHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.service.CreateOrder(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (h *TrackerHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.GetOrder(r.Context(), param(r, "order_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *TrackerHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req domain.TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		httpx.WriteProblem(w, http.StatusBadRequest, "validation_error", "unknown status "+string(req.Status))
		return
	}
	o, err := h.service.Transition(r.Context(), param(r, "order_id"), req.Status, req.Note, caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *TrackerHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelRequest
	// тело необязательно
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteProblem(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	o, err := h.service.Cancel(r.Context(), param(r, "order_id"), req.Reason, caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *TrackerHandler) VerifyPickup(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyPickupRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.service.VerifyPickup(r.Context(), param(r, "order_id"), req.Code, caller(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *TrackerHandler) RecordPosition(w http.ResponseWriter, r *http.Request) {
	var req domain.PositionSample
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.RecordPosition(r.Context(), param(r, "order_id"), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *TrackerHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	id := param(r, "order_id")
	limit := httpx.AtoiDefault(r.URL.Query().Get("limit"), 50)
	offset := httpx.AtoiDefault(r.URL.Query().Get("offset"), 0)
	if limit <= 0 || limit > 500 || offset < 0 {
		httpx.WriteProblem(w, http.StatusBadRequest, "validation_error", "limit must be 1..500 and offset >= 0")
		return
	}
	events, err := h.service.GetOrderTimeline(r.Context(), id, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, domain.TimelineResponse{OrderID: id, Events: events})
}

func (h *TrackerHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}

// writeError переводит доменные ошибки в HTTP статусы.
func (h *TrackerHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		httpx.WriteProblem(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, repository.ErrExists):
		httpx.WriteProblem(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, order.ErrInvalidTransition):
		httpx.WriteProblem(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, service.ErrNotTracking):
		httpx.WriteProblem(w, http.StatusConflict, "not_tracking", err.Error())
	case errors.Is(err, order.ErrCodeMismatch):
		httpx.WriteProblem(w, http.StatusUnprocessableEntity, "code_mismatch", err.Error())
	case errors.Is(err, order.ErrCodeConsumed):
		httpx.WriteProblem(w, http.StatusConflict, "code_consumed", err.Error())
	default:
		h.log.Error("request_failed", err, nil)
		httpx.WriteProblem(w, http.StatusInternalServerError, "db_error", err.Error())
	}
}

// param достаёт {order_id} из маршрута.
func param(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

// caller is the client id from the bearer token, recorded as changed_by.
func caller(r *http.Request) string {
	if c, ok := auth.FromContext(r.Context()); ok {
		return c.ClientID
	}
	return "anonymous"
}
