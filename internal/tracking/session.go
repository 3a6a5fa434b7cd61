package tracking

import (
	"fmt"
	"sync"
	"sync/atomic"

	"order-tracking/internal/domain"
	"order-tracking/internal/proximity"
	"order-tracking/internal/sampler"
)

type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is the observable view of one tracked order.
type Snapshot struct {
	OrderID string
	Status  domain.Status
	State   State

	Sample *domain.PositionSample
	Fact   *domain.ProximityFact

	// Remote is the latest position reported by the counterpart device.
	Remote     *domain.PositionSample
	RemoteFact *domain.ProximityFact

	Err *sampler.LocationError
}

type Session struct {
	orderID   string
	sampler   *sampler.Sampler
	estimator *proximity.Estimator
	live      atomic.Bool

	mu          sync.Mutex
	order       domain.Order
	state       State
	handle      *sampler.Handle
	last        *domain.PositionSample
	fact        *domain.ProximityFact
	remote      *domain.PositionSample
	remoteFact  *domain.ProximityFact
	err         *sampler.LocationError
	unsubscribe func()
}

func (s *Session) OrderID() string { return s.orderID }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		OrderID:    s.orderID,
		Status:     s.order.Status,
		State:      s.state,
		Sample:     clonePtr(s.last),
		Fact:       cloneFact(s.fact),
		Remote:     clonePtr(s.remote),
		RemoteFact: cloneFact(s.remoteFact),
		Err:        s.err,
	}
}

// currentLocked reports whether sample is still the latest local sample of a live
// session. Async results for superseded samples are discarded.
func (s *Session) currentLocked(sample domain.PositionSample) bool {
	return s.live.Load() && s.last != nil && s.last.CapturedAt.Equal(sample.CapturedAt)
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneFact(f *domain.ProximityFact) *domain.ProximityFact {
	if f == nil {
		return nil
	}
	c := *f
	c.EtaSeconds = clonePtr(f.EtaSeconds)
	return &c
}
