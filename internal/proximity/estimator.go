package proximity

import (
	"context"
	"sync"

	"order-tracking/internal/domain"
)

type Route struct {
	EtaSeconds     float64
	DistanceMeters float64
	Polyline       string
}

// Router is the routing collaborator. Failures are never fatal to callers.
type Router interface {
	Route(ctx context.Context, origin, destination domain.Coordinates) (Route, error)
}

// Estimator applies the recalculation policy in front of a Router: a new
// route is requested only once the origin has moved more than minMove meters
// from the origin of the last request.
type Estimator struct {
	router  Router
	minMove float64

	mu       sync.Mutex
	last     *domain.Coordinates
	eta      *float64
	inflight bool
	calls    int
}

func NewEstimator(router Router, minMovementMeters float64) *Estimator {
	return &Estimator{router: router, minMove: minMovementMeters}
}

// Cached returns the ETA of the last successful computation.
func (e *Estimator) Cached() *float64 {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyEta(e.eta)
}

// Estimate returns the ETA for origin and whether a new route was computed.
// On a routing failure the ETA is absent (nil) and fresh is true.
func (e *Estimator) Estimate(ctx context.Context, origin, destination domain.Coordinates) (eta *float64, fresh bool) {
	if e == nil || e.router == nil {
		return nil, false
	}
	e.mu.Lock()
	if e.inflight || (e.last != nil && Distance(*e.last, origin) <= e.minMove) {
		eta := copyEta(e.eta)
		e.mu.Unlock()
		return eta, false
	}
	e.inflight = true
	e.calls++
	e.mu.Unlock()

	r, err := e.router.Route(ctx, origin, destination)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight = false
	o := origin
	e.last = &o
	if err != nil {
		e.eta = nil
		return nil, true
	}
	v := r.EtaSeconds
	e.eta = &v
	return copyEta(e.eta), true
}

// Calls reports how many route requests were issued.
func (e *Estimator) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func copyEta(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
