package routing

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"order-tracking/internal/domain"
)

func TestClientRoute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":312.4,"distance":2710.5,"geometry":"abc"}]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/", 0)
	r, err := c.Route(context.Background(),
		domain.Coordinates{Lat: 4.63, Lng: -74.08},
		domain.Coordinates{Lat: 4.6097, Lng: -74.0817})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if r.EtaSeconds != 312.4 || r.DistanceMeters != 2710.5 || r.Polyline != "abc" {
		t.Errorf("unexpected route: %+v", r)
	}
	if !strings.HasPrefix(gotPath, "/route/v1/driving/-74.080000,4.630000;") {
		t.Errorf("unexpected path %q", gotPath)
	}
}

func TestClientRouteNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"NoRoute","message":"Impossible route between points"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL, 0).Route(context.Background(), domain.Coordinates{}, domain.Coordinates{Lat: 1})
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestStraightLine(t *testing.T) {
	origin := domain.Coordinates{Lat: 4.6097 + 2500/111195.0, Lng: -74.0817}
	dest := domain.Coordinates{Lat: 4.6097, Lng: -74.0817}
	r, err := StraightLine{SpeedKmh: 36}.Route(context.Background(), origin, dest)
	if err != nil {
		t.Fatal(err)
	}
	// 36 km/h = 10 m/s
	if math.Abs(r.EtaSeconds-250) > 1 {
		t.Errorf("eta = %.2f, want ~250", r.EtaSeconds)
	}
}

func TestNewPicksImplementation(t *testing.T) {
	if _, ok := New("", 0, 0).(StraightLine); !ok {
		t.Error("empty base url should yield StraightLine")
	}
	if _, ok := New("http://osrm:5000", 0, 0).(*Client); !ok {
		t.Error("base url should yield *Client")
	}
}
