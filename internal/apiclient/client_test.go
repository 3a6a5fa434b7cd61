package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"order-tracking/internal/common/auth"
	"order-tracking/internal/domain"
	"order-tracking/internal/microservices/tracker/handler"
	trackerrepo "order-tracking/internal/microservices/tracker/repository"
	"order-tracking/internal/microservices/tracker/service"
	"order-tracking/internal/repository"
	"order-tracking/internal/tracking"
)

var _ tracking.Backend = (*Client)(nil)

type nopPub struct{}

func (nopPub) PublishStatus(context.Context, domain.StatusEvent) error { return nil }

func newServer(t *testing.T, secret []byte) (*httptest.Server, *service.TrackerService) {
	t.Helper()
	svc := service.NewTrackerService(repository.NewMemory(), trackerrepo.NewMemoryTrackerRepo(), nopPub{}, nil, service.Options{}, nil)
	srv := httptest.NewServer(handler.Router(handler.New(svc, nil), secret, nil))
	t.Cleanup(srv.Close)
	return srv, svc
}

func TestClientAgainstOrderAPI(t *testing.T) {
	secret := []byte("client-secret")
	srv, svc := newServer(t, secret)
	ctx := context.Background()

	created, err := svc.CreateOrder(ctx, domain.CreateOrderRequest{CustomerName: "Alice", RestaurantLocation: domain.Coordinates{Lat: 40.7128, Lng: -74.0060}})
	if err != nil {
		t.Fatal(err)
	}

	ts, err := auth.NewTokenSource(secret, "courier-7", "courier", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	c := New(srv.URL+"/", ts, time.Second)

	o, err := c.FetchOrder(ctx, created.OrderID)
	if err != nil || o.Status != domain.StatusPending {
		t.Fatalf("fetch: %+v %v", o, err)
	}

	o, err = c.PostTransition(ctx, created.OrderID, domain.StatusConfirmed, "")
	if err != nil || o.Status != domain.StatusConfirmed {
		t.Fatalf("transition: %+v %v", o, err)
	}
	if last, _ := o.LastChange(); last.ChangedBy != "courier-7" {
		t.Errorf("changed_by = %q", last.ChangedBy)
	}

	res, err := c.PostPositionUpdate(ctx, created.OrderID, domain.PositionSample{
		Coordinates: domain.Coordinates{Lat: 40.7188, Lng: -74.0060},
		CapturedAt:  time.Now().UTC(),
	})
	if err != nil || res.RingTag != "mid" {
		t.Fatalf("position: %+v %v", res, err)
	}

	_, err = c.PostTransition(ctx, created.OrderID, domain.StatusCompleted, "")
	var ae *APIError
	if !errors.As(err, &ae) || ae.Status != http.StatusConflict || ae.Code != "invalid_transition" {
		t.Fatalf("invalid transition: %v", err)
	}
	if !IsConflict(err) {
		t.Error("IsConflict = false")
	}

	o, err = c.PostCancel(ctx, created.OrderID, "customer left")
	if err != nil || o.Status != domain.StatusCancelled {
		t.Fatalf("cancel: %+v %v", o, err)
	}
	if _, err := c.PostVerifyPickup(ctx, created.OrderID, created.VerificationCode); !IsConflict(err) {
		t.Errorf("verify after cancel: %v", err)
	}

	tl, err := c.Timeline(ctx, created.OrderID, 10, 0)
	if err != nil || len(tl.Events) != 4 {
		t.Fatalf("timeline: %+v %v", tl, err)
	}
}

func TestClientErrors(t *testing.T) {
	secret := []byte("client-secret")
	srv, _ := newServer(t, secret)
	ctx := context.Background()

	_, err := New(srv.URL, nil, time.Second).FetchOrder(ctx, "x")
	var ae *APIError
	if !errors.As(err, &ae) || ae.Status != http.StatusUnauthorized {
		t.Fatalf("no token: %v", err)
	}

	tok, _ := auth.GenerateToken("c", "courier", time.Minute, secret)
	_, err = New(srv.URL, staticTokens(tok), time.Second).FetchOrder(ctx, "missing")
	if !errors.As(err, &ae) || ae.Status != http.StatusNotFound || ae.Code != "not_found" {
		t.Fatalf("missing: %v", err)
	}

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>"))
	}))
	defer garbage.Close()
	_, err = New(garbage.URL, nil, time.Second).FetchOrder(ctx, "x")
	if !errors.As(err, &ae) || ae.Status != http.StatusBadGateway || ae.Code != "" {
		t.Fatalf("garbage: %v", err)
	}
}

type staticTokens string

func (s staticTokens) Token() string { return string(s) }
