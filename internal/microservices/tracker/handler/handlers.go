package handler

import (
	"order-tracking/internal/common/logger"
	"order-tracking/internal/microservices/tracker/service"
)

type Handler struct {
	TrackerHandler *TrackerHandler
}

func New(svc service.TrackerServiceInterface, lg *logger.Logger) *Handler {
	return &Handler{
		TrackerHandler: NewTrackerHandler(svc, lg),
	}
}
