package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"order-tracking/internal/domain"
	"order-tracking/internal/microservices/tracker/repository"
	"order-tracking/internal/order"
	ordersrepo "order-tracking/internal/repository"
	"order-tracking/internal/routing"
)

type recordingPub struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (p *recordingPub) PublishStatus(_ context.Context, se domain.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, se)
	return nil
}

type recordingQueue struct {
	tickets []domain.KitchenTicket
}

func (q *recordingQueue) EnqueueTicket(_ context.Context, t domain.KitchenTicket) error {
	q.tickets = append(q.tickets, t)
	return nil
}

var restaurant = domain.Coordinates{Lat: 40.7128, Lng: -74.0060}

func newService(t *testing.T) (*TrackerService, *recordingPub, *recordingQueue, string, string) {
	t.Helper()
	pub, q := &recordingPub{}, &recordingQueue{}
	svc := NewTrackerService(ordersrepo.NewMemory(), repository.NewMemoryTrackerRepo(), pub, q,
		Options{Router: routing.StraightLine{SpeedKmh: 36}, MinMovementMeters: 50}, nil)
	resp, err := svc.CreateOrder(context.Background(), domain.CreateOrderRequest{CustomerName: "Alice", RestaurantLocation: restaurant})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != domain.StatusPending || len(resp.VerificationCode) != 6 {
		t.Fatalf("create = %+v", resp)
	}
	return svc, pub, q, resp.OrderID, resp.VerificationCode
}

func TestTransitionPublishesAndEnqueues(t *testing.T) {
	svc, pub, q, id, _ := newService(t)
	ctx := context.Background()

	o, err := svc.Transition(ctx, id, domain.StatusConfirmed, "accepted", "restaurant")
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != domain.StatusConfirmed || len(o.StatusHistory) != 2 {
		t.Fatalf("order = %+v", o)
	}
	if len(pub.events) != 1 || pub.events[0].OldStatus != domain.StatusPending || pub.events[0].NewStatus != domain.StatusConfirmed {
		t.Errorf("published = %+v", pub.events)
	}
	if len(q.tickets) != 1 || q.tickets[0].OrderID != id {
		t.Errorf("tickets = %+v", q.tickets)
	}

	_, err = svc.Transition(ctx, id, domain.StatusCompleted, "", "restaurant")
	if !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("skip to completed: err = %v", err)
	}
	if len(pub.events) != 1 {
		t.Error("rejected transition was published")
	}
}

func TestCancelAndVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel pending", func(t *testing.T) {
		svc, _, _, id, _ := newService(t)
		o, err := svc.Cancel(ctx, id, "changed mind", "customer")
		if err != nil || o.Status != domain.StatusCancelled {
			t.Fatalf("cancel = %+v, %v", o, err)
		}
		if _, err := svc.Cancel(ctx, id, "again", "customer"); !errors.Is(err, order.ErrInvalidTransition) {
			t.Errorf("second cancel: %v", err)
		}
	})

	t.Run("verify pickup once", func(t *testing.T) {
		svc, _, _, id, code := newService(t)
		for _, st := range []domain.Status{domain.StatusConfirmed, domain.StatusPreparing, domain.StatusReady} {
			if _, err := svc.Transition(ctx, id, st, "", "restaurant"); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := svc.Cancel(ctx, id, "", "customer"); !errors.Is(err, order.ErrInvalidTransition) {
			t.Errorf("cancel ready: %v", err)
		}
		if _, err := svc.VerifyPickup(ctx, id, "000000x", "courier"); !errors.Is(err, order.ErrCodeMismatch) {
			t.Errorf("wrong code: %v", err)
		}
		o, err := svc.VerifyPickup(ctx, id, code, "courier")
		if err != nil || o.Status != domain.StatusCompleted || !o.CodeConsumed {
			t.Fatalf("verify = %+v, %v", o, err)
		}
		if _, err := svc.VerifyPickup(ctx, id, code, "courier"); err == nil {
			t.Error("code accepted twice")
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		svc, _, _, _, _ := newService(t)
		if _, err := svc.Transition(ctx, "nope", domain.StatusConfirmed, "", ""); !errors.Is(err, ordersrepo.ErrNotFound) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestRecordPosition(t *testing.T) {
	svc, _, _, id, _ := newService(t)
	ctx := context.Background()
	sample := domain.PositionSample{
		Coordinates:    domain.Coordinates{Lat: 40.735283, Lng: -74.0060},
		AccuracyMeters: 8,
		CapturedAt:     time.Now().UTC(),
	}

	if _, err := svc.RecordPosition(ctx, id, sample); !errors.Is(err, ErrNotTracking) {
		t.Fatalf("pending order: err = %v", err)
	}
	_, _ = svc.Transition(ctx, id, domain.StatusConfirmed, "", "restaurant")
	sample.CapturedAt = time.Now().UTC().Add(time.Millisecond)

	res, err := svc.RecordPosition(ctx, id, sample)
	if err != nil {
		t.Fatal(err)
	}
	if res.RingTag != "far" || math.Abs(res.DistanceMeters-2500) > 10 {
		t.Errorf("result = %+v", res)
	}
	// 36 km/h is 10 m/s
	if res.EtaSeconds == nil || math.Abs(*res.EtaSeconds-250) > 1 {
		t.Errorf("eta = %v", res.EtaSeconds)
	}

	events, err := svc.GetOrderTimeline(ctx, id, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	want := []string{"order.created", "status.confirmed", "position"}
	if len(types) != len(want) {
		t.Fatalf("timeline = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("timeline = %v, want %v", types, want)
		}
	}
}
