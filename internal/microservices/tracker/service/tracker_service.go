package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"order-tracking/internal/common/logger"
	"order-tracking/internal/domain"
	"order-tracking/internal/microservices/tracker/repository"
	"order-tracking/internal/order"
	"order-tracking/internal/proximity"
	ordersrepo "order-tracking/internal/repository"
)

var ErrNotTracking = errors.New("order is not in a tracked status")

// Publisher broadcasts events into order rooms.
type Publisher interface {
	PublishStatus(ctx context.Context, se domain.StatusEvent) error
}

// TicketQueue hands confirmed orders to the kitchen.
type TicketQueue interface {
	EnqueueTicket(ctx context.Context, t domain.KitchenTicket) error
}

type TrackerServiceInterface interface {
	CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.CreateOrderResponse, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	Transition(ctx context.Context, id string, to domain.Status, note, changedBy string) (domain.Order, error)
	Cancel(ctx context.Context, id, reason, changedBy string) (domain.Order, error)
	VerifyPickup(ctx context.Context, id, code, changedBy string) (domain.Order, error)
	RecordPosition(ctx context.Context, id string, s domain.PositionSample) (domain.PositionUpdateResult, error)
	GetOrderTimeline(ctx context.Context, id string, limit, offset int) ([]domain.TrackingEvent, error)
}

type Options struct {
	Rings             proximity.Rings
	Router            proximity.Router
	MinMovementMeters float64
}

type TrackerService struct {
	orders   ordersrepo.Orders
	events   repository.TrackerRepoInterface
	pub      Publisher
	tickets  TicketQueue
	log      *logger.Logger
	opts     Options
	estimate sync.Map // order id -> *proximity.Estimator
}

func NewTrackerService(orders ordersrepo.Orders, events repository.TrackerRepoInterface, pub Publisher, tickets TicketQueue, opts Options, lg *logger.Logger) *TrackerService {
	if len(opts.Rings) == 0 {
		opts.Rings = proximity.DefaultRings()
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &TrackerService{orders: orders, events: events, pub: pub, tickets: tickets, opts: opts, log: lg}
}

func (s *TrackerService) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.CreateOrderResponse, error) {
	o, err := order.NewOrder("", req.CustomerName, req.RestaurantLocation)
	if err != nil {
		return domain.CreateOrderResponse{}, err
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return domain.CreateOrderResponse{}, err
	}
	s.record(ctx, o.ID, "order.created", map[string]any{"customer_name": o.CustomerName}, o.CreatedAt)
	s.log.Info("order_created", map[string]any{"order_id": o.ID})
	return domain.CreateOrderResponse{OrderID: o.ID, Status: o.Status, VerificationCode: o.VerificationCode}, nil
}

func (s *TrackerService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.orders.Get(ctx, id)
}

func (s *TrackerService) Transition(ctx context.Context, id string, to domain.Status, note, changedBy string) (domain.Order, error) {
	return s.mutate(ctx, id, note, changedBy, func(cur domain.Order) (domain.Order, error) {
		out, err := order.Apply(cur, order.Change{To: to, Source: order.SourceLocal, ChangedBy: changedBy, Note: note})
		return out.Order, err
	})
}

func (s *TrackerService) Cancel(ctx context.Context, id, reason, changedBy string) (domain.Order, error) {
	return s.mutate(ctx, id, reason, changedBy, func(cur domain.Order) (domain.Order, error) {
		if !order.CanCancel(cur.Status) {
			return cur, &order.InvalidTransitionError{From: cur.Status, To: domain.StatusCancelled, Source: order.SourceLocal}
		}
		out, err := order.Apply(cur, order.Change{To: domain.StatusCancelled, Source: order.SourceLocal, ChangedBy: changedBy, Note: reason})
		return out.Order, err
	})
}

func (s *TrackerService) VerifyPickup(ctx context.Context, id, code, changedBy string) (domain.Order, error) {
	return s.mutate(ctx, id, "pickup verified", changedBy, func(cur domain.Order) (domain.Order, error) {
		out, err := order.VerifyPickup(cur, code, changedBy)
		return out.Order, err
	})
}

func (s *TrackerService) mutate(ctx context.Context, id, note, changedBy string, fn func(domain.Order) (domain.Order, error)) (domain.Order, error) {
	var prev domain.Status
	o, err := s.orders.Update(ctx, id, func(cur domain.Order) (domain.Order, error) {
		prev = cur.Status
		return fn(cur)
	})
	if err != nil {
		return domain.Order{}, err
	}
	last, _ := o.LastChange()
	s.record(ctx, id, "status."+string(o.Status), map[string]any{"from": prev, "changed_by": changedBy, "note": note}, last.At)

	if err := s.pub.PublishStatus(ctx, domain.StatusEvent{
		OrderID:   id,
		OldStatus: prev,
		NewStatus: o.Status,
		ChangedBy: changedBy,
		Note:      note,
		Timestamp: last.At,
	}); err != nil {
		s.log.Error("status_broadcast_failed", err, map[string]any{"order_id": id, "status": string(o.Status)})
	}

	if o.Status == domain.StatusConfirmed && s.tickets != nil {
		if err := s.tickets.EnqueueTicket(ctx, domain.KitchenTicket{
			OrderID:      id,
			CustomerName: o.CustomerName,
			Priority:     1,
			ConfirmedAt:  last.At,
		}); err != nil {
			s.log.Error("kitchen_ticket_failed", err, map[string]any{"order_id": id})
		}
	}
	if !order.RequiresTracking(o.Status) {
		s.estimate.Delete(id)
	}
	s.log.Info("order_status_changed", map[string]any{"order_id": id, "from": string(prev), "to": string(o.Status), "changed_by": changedBy})
	return o, nil
}

// RecordPosition stores a sample reported by a tracking device and returns
// the server-side distance, ring and ETA.
func (s *TrackerService) RecordPosition(ctx context.Context, id string, sample domain.PositionSample) (domain.PositionUpdateResult, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return domain.PositionUpdateResult{}, err
	}
	if !order.RequiresTracking(o.Status) {
		return domain.PositionUpdateResult{}, ErrNotTracking
	}

	est := s.estimator(id)
	eta, _ := est.Estimate(ctx, sample.Coordinates, o.RestaurantLocation)
	fact := proximity.NewFact(sample, o.RestaurantLocation, s.opts.Rings, eta)

	s.record(ctx, id, "position", domain.PositionEvent{OrderID: id, Sample: sample, Fact: &fact}, sample.CapturedAt)
	return domain.PositionUpdateResult{DistanceMeters: fact.DistanceMeters, RingTag: fact.RingTag, EtaSeconds: fact.EtaSeconds}, nil
}

func (s *TrackerService) GetOrderTimeline(ctx context.Context, id string, limit, offset int) ([]domain.TrackingEvent, error) {
	if _, err := s.orders.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.events.GetOrderTimeline(ctx, id, limit, offset)
}

func (s *TrackerService) estimator(id string) *proximity.Estimator {
	if v, ok := s.estimate.Load(id); ok {
		return v.(*proximity.Estimator)
	}
	v, _ := s.estimate.LoadOrStore(id, proximity.NewEstimator(s.opts.Router, s.opts.MinMovementMeters))
	return v.(*proximity.Estimator)
}

// record appends to the timeline. Timeline failures never fail the request.
func (s *TrackerService) record(ctx context.Context, id, typ string, payload any, at time.Time) {
	b, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("timeline_marshal_failed", err, map[string]any{"order_id": id})
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.events.AppendEvent(ctx, domain.TrackingEvent{OrderID: id, EventType: typ, Payload: b, OccurredAt: at}); err != nil {
		s.log.Error("timeline_append_failed", err, map[string]any{"order_id": id, "event_type": typ})
	}
}
