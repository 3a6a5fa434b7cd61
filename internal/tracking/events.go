package tracking

import (
	"context"
	"errors"

	"order-tracking/internal/domain"
	"order-tracking/internal/order"
	"order-tracking/internal/proximity"
	"order-tracking/internal/sampler"
)

func (m *Manager) handler(s *Session) func(domain.Event) {
	return func(ev domain.Event) {
		switch ev.Type {
		case domain.EventStatus:
			var se domain.StatusEvent
			if err := ev.Decode(&se); err != nil {
				m.log.Warn("bad_status_event", map[string]any{"order_id": s.orderID, "error": err.Error()})
				return
			}
			if se.OrderID == "" {
				se.OrderID = ev.OrderID
			}
			_ = m.HandleRemoteStatus(m.bg, se)
		case domain.EventPosition, domain.EventProximity:
			var pe domain.PositionEvent
			if err := ev.Decode(&pe); err != nil {
				m.log.Warn("bad_position_event", map[string]any{"order_id": s.orderID, "error": err.Error()})
				return
			}
			m.applyRemotePosition(s, ev.Type, pe)
		}
	}
}

// HandleRemoteStatus applies a status change observed on another device.
// Redundant and impossible changes leave the session untouched; impossible
// ones are returned as *order.InvalidTransitionError. Timestamps come from
// other hosts and only decide how loudly a rejection is logged.
func (m *Manager) HandleRemoteStatus(ctx context.Context, se domain.StatusEvent) error {
	s := m.session(se.OrderID)
	if s == nil {
		return ErrNoSession
	}

	s.mu.Lock()
	cur := s.order
	out, err := order.Apply(cur, order.Change{
		To:        se.NewStatus,
		Source:    order.SourceRemote,
		ChangedBy: se.ChangedBy,
		Note:      se.Note,
		At:        se.Timestamp,
	})
	if err != nil {
		s.mu.Unlock()
		fields := map[string]any{
			"order_id": se.OrderID,
			"from":     string(cur.Status),
			"to":       string(se.NewStatus),
		}
		if last, ok := cur.LastChange(); ok && !se.Timestamp.IsZero() && se.Timestamp.Before(last.At) {
			// late delivery of a superseded change
			m.log.Debug("stale_status_ignored", fields)
		} else {
			m.log.Warn("remote_transition_rejected", fields)
		}
		return err
	}
	if !out.Applied {
		s.mu.Unlock()
		return nil
	}
	s.order = out.Order
	s.mu.Unlock()

	m.log.Info("remote_status_applied", map[string]any{"order_id": se.OrderID, "status": string(se.NewStatus), "changed_by": se.ChangedBy})
	m.notify(s)
	return m.follow(ctx, s)
}

// follow starts or stops sampling to match the session's status.
func (m *Manager) follow(ctx context.Context, s *Session) error {
	s.mu.Lock()
	status := s.order.Status
	s.mu.Unlock()
	if order.RequiresTracking(status) {
		return m.startSampling(ctx, s)
	}
	return m.StopFor(ctx, s.orderID)
}

func (m *Manager) applyRemotePosition(s *Session, typ domain.EventType, pe domain.PositionEvent) {
	s.mu.Lock()
	if s.remote != nil {
		newer := pe.Sample.CapturedAt.After(s.remote.CapturedAt)
		// a proximity refresh may carry the same sample with a new ETA
		same := typ == domain.EventProximity && pe.Sample.CapturedAt.Equal(s.remote.CapturedAt)
		if !newer && !same {
			s.mu.Unlock()
			return
		}
	}
	sample := pe.Sample
	s.remote = &sample
	if pe.Fact != nil {
		s.remoteFact = cloneFact(pe.Fact)
	}
	s.mu.Unlock()
	m.notify(s)
}

func (m *Manager) onSample(s *Session) func(domain.PositionSample) {
	return func(sample domain.PositionSample) {
		if !s.live.Load() {
			return
		}
		s.mu.Lock()
		restaurant := s.order.RestaurantLocation
		fact := proximity.NewFact(sample, restaurant, m.cfg.Rings, s.estimator.Cached())
		c := sample
		s.last = &c
		s.fact = &fact
		if s.state == Error {
			s.state = Active
			s.err = nil
		}
		s.mu.Unlock()
		m.notify(s)

		m.goAsync(func(ctx context.Context) {
			m.publishPosition(ctx, s, domain.EventPosition, sample, fact)
			m.refreshEta(ctx, s, sample, restaurant)
			m.report(ctx, s, sample)
		})
	}
}

func (m *Manager) onError(s *Session) func(*sampler.LocationError) {
	return func(le *sampler.LocationError) {
		s.mu.Lock()
		if !s.live.Load() {
			s.mu.Unlock()
			return
		}
		s.state = Error
		s.err = le
		h := s.handle
		release := !le.Recoverable() || le.Kind == sampler.PermissionDenied
		s.mu.Unlock()

		m.log.Warn("tracking_error", map[string]any{"order_id": s.orderID, "kind": le.Kind.String(), "recoverable": le.Recoverable()})
		if release {
			h.Stop()
		}
		m.notify(s)
	}
}

func (m *Manager) publishPosition(ctx context.Context, s *Session, typ domain.EventType, sample domain.PositionSample, fact domain.ProximityFact) {
	f := fact
	_, _ = m.ch.Publish(ctx, s.orderID, typ, domain.PositionEvent{OrderID: s.orderID, Sample: sample, Fact: &f})
}

func (m *Manager) refreshEta(ctx context.Context, s *Session, sample domain.PositionSample, restaurant domain.Coordinates) {
	eta, fresh := s.estimator.Estimate(ctx, sample.Coordinates, restaurant)
	if !fresh {
		return
	}
	s.mu.Lock()
	if !s.currentLocked(sample) || s.fact == nil {
		s.mu.Unlock()
		return
	}
	s.fact.EtaSeconds = eta
	fact := *cloneFact(s.fact)
	s.mu.Unlock()

	m.notify(s)
	m.publishPosition(ctx, s, domain.EventProximity, sample, fact)
}

// report forwards the sample to the backend. A server-computed distance
// supersedes the local one.
func (m *Manager) report(ctx context.Context, s *Session, sample domain.PositionSample) {
	if m.backend == nil {
		return
	}
	res, err := m.backend.PostPositionUpdate(ctx, s.orderID, sample)
	if err != nil {
		m.log.Warn("position_report_failed", map[string]any{"order_id": s.orderID, "error": err.Error()})
		return
	}
	s.mu.Lock()
	if !s.currentLocked(sample) || s.fact == nil {
		s.mu.Unlock()
		return
	}
	s.fact.DistanceMeters = res.DistanceMeters
	s.fact.RingTag = proximity.Classify(res.DistanceMeters, m.cfg.Rings)
	if s.fact.EtaSeconds == nil && res.EtaSeconds != nil {
		v := *res.EtaSeconds
		s.fact.EtaSeconds = &v
	}
	s.mu.Unlock()
	m.notify(s)
}

// ApplyLocal performs a status change initiated on this device: the backend
// confirms it, then it is applied locally and published to the room.
func (m *Manager) ApplyLocal(ctx context.Context, orderID string, to domain.Status, note string) (domain.Order, error) {
	return m.mutate(ctx, orderID, to, note, func(ctx context.Context) (domain.Order, error) {
		return m.backend.PostTransition(ctx, orderID, to, note)
	})
}

func (m *Manager) Cancel(ctx context.Context, orderID, reason string) (domain.Order, error) {
	s := m.session(orderID)
	if s == nil {
		return domain.Order{}, ErrNoSession
	}
	s.mu.Lock()
	cur := s.order.Status
	s.mu.Unlock()
	if !order.CanCancel(cur) {
		return domain.Order{}, &order.InvalidTransitionError{From: cur, To: domain.StatusCancelled, Source: order.SourceLocal}
	}
	return m.mutate(ctx, orderID, domain.StatusCancelled, reason, func(ctx context.Context) (domain.Order, error) {
		return m.backend.PostCancel(ctx, orderID, reason)
	})
}

// VerifyPickup completes a ready order once the customer's code checks out.
// Without a backend the code is checked against the local order.
func (m *Manager) VerifyPickup(ctx context.Context, orderID, code string) (domain.Order, error) {
	s := m.session(orderID)
	if s == nil {
		return domain.Order{}, ErrNoSession
	}
	s.mu.Lock()
	cur := s.order.Status
	s.mu.Unlock()
	if !order.CanVerifyPickup(cur) {
		return domain.Order{}, &order.InvalidTransitionError{From: cur, To: domain.StatusCompleted, Source: order.SourceLocal}
	}
	if m.backend != nil {
		return m.mutate(ctx, orderID, domain.StatusCompleted, "pickup verified", func(ctx context.Context) (domain.Order, error) {
			return m.backend.PostVerifyPickup(ctx, orderID, code)
		})
	}

	s.mu.Lock()
	prev := s.order.Status
	out, err := order.VerifyPickup(s.order, code, m.cfg.ChangedBy)
	if err != nil {
		s.mu.Unlock()
		return domain.Order{}, err
	}
	s.order = out.Order
	s.mu.Unlock()
	return m.commit(ctx, s, prev, out.Order, "pickup verified")
}

func (m *Manager) mutate(ctx context.Context, orderID string, to domain.Status, note string, remote func(context.Context) (domain.Order, error)) (domain.Order, error) {
	s := m.session(orderID)
	if s == nil {
		return domain.Order{}, ErrNoSession
	}
	s.mu.Lock()
	cur := s.order
	s.mu.Unlock()

	out, err := order.Apply(cur, order.Change{To: to, Source: order.SourceLocal, ChangedBy: m.cfg.ChangedBy, Note: note})
	if err != nil {
		return domain.Order{}, err
	}
	next := out.Order
	if m.backend != nil {
		if _, err := remote(ctx); err != nil {
			return domain.Order{}, err
		}
		if to == domain.StatusCompleted && cur.Status == domain.StatusReady {
			next.CodeConsumed = true
		}
	}

	s.mu.Lock()
	if s.order.Status != cur.Status {
		// a remote change landed while the backend call was in flight
		s.mu.Unlock()
		return domain.Order{}, &order.InvalidTransitionError{From: s.order.Status, To: to, Source: order.SourceLocal}
	}
	s.order = next
	s.mu.Unlock()
	return m.commit(ctx, s, cur.Status, next, note)
}

func (m *Manager) commit(ctx context.Context, s *Session, prev domain.Status, o domain.Order, note string) (domain.Order, error) {
	m.notify(s)
	at := o.CreatedAt
	if last, ok := o.LastChange(); ok {
		at = last.At
	}
	se := domain.StatusEvent{
		OrderID:   o.ID,
		OldStatus: prev,
		NewStatus: o.Status,
		ChangedBy: m.cfg.ChangedBy,
		Note:      note,
		Timestamp: at,
	}
	if err := m.ch.PublishStatus(ctx, se); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("status_not_broadcast", map[string]any{"order_id": o.ID, "status": string(o.Status)})
	}
	if err := m.follow(ctx, s); err != nil {
		return o, err
	}
	return o, nil
}
